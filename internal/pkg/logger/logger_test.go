package logger

import (
	"strings"
	"testing"
)

func TestScrubberRedactsSecretsAndHashesUsers(t *testing.T) {
	s := &scrubber{enabled: true}
	out := s.kvs([]interface{}{
		"authorization", "Bearer abc",
		"user_id", "4a0c3c3e-8d0e-4d39-9b0e-1a2b3c4d5e6f",
		"input_tokens", 120,
		"session_id", "s-1",
		"payload", map[string]interface{}{"api_key": "sk-1", "stage": "thesis"},
	})
	if len(out) != 10 {
		t.Fatalf("len: want=10 got=%d", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Fatalf("authorization: want=[REDACTED] got=%v", out[1])
	}
	if s, _ := out[3].(string); !strings.HasPrefix(s, "hash:") {
		t.Fatalf("user_id: want hash prefix got=%v", out[3])
	}
	if out[5] != 120 || out[7] != "s-1" {
		t.Fatalf("counters and ids should pass through, got=%v %v", out[5], out[7])
	}
	nested := out[9].(map[string]interface{})
	if nested["api_key"] != "[REDACTED]" || nested["stage"] != "thesis" {
		t.Fatalf("nested: %v", nested)
	}
}

func TestScrubberDisabledPassesThrough(t *testing.T) {
	in := []interface{}{"password", "hunter2"}
	if out := (&scrubber{}).kvs(in); out[1] != "hunter2" {
		t.Fatalf("disabled: want=hunter2 got=%v", out[1])
	}
}

func TestSaltChangesHash(t *testing.T) {
	a := (&scrubber{enabled: true}).hash("u-1")
	b := (&scrubber{enabled: true, salt: "pepper"}).hash("u-1")
	if a == b || len(a) != len("hash:")+12 {
		t.Fatalf("hashes: %q %q", a, b)
	}
}

func TestNewTestModeIsNop(t *testing.T) {
	l, err := New("test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("quiet", "k", "v")
	l.With("component", "x").Warn("still quiet")
}
