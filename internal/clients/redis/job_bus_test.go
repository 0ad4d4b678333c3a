package redis

import (
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

func TestEventRoundTripKeepsIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	raw, err := encodeEvent([]uuid.UUID{a, b})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("ids: want=[%s %s] got=%v", a, b, got)
	}
}

func TestEmptyEventStillWakes(t *testing.T) {
	raw, _ := encodeEvent(nil)
	got, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0] != uuid.Nil {
		t.Fatalf("want single nil id, got=%v", got)
	}
	if _, err := decodeEvent([]byte("not json")); err == nil {
		t.Fatalf("want decode error")
	}
}

func TestNewJobBusRequiresAddr(t *testing.T) {
	if _, err := NewJobBus(logger.Nop(), " ", ""); err == nil {
		t.Fatalf("want error for empty addr")
	}
}
