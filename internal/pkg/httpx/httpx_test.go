package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{statusErr(429), true},
		{statusErr(503), true},
		{statusErr(400), false},
		{fmt.Errorf("wrapped: %w", statusErr(502)), true},
		{context.DeadlineExceeded, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v): want=%v got=%v", tc.err, tc.want, got)
		}
	}
}

func TestBackoffRetriesThenSucceeds(t *testing.T) {
	calls := 0
	var waits []time.Duration
	b := Backoff{
		Retries: 3,
		Initial: time.Millisecond,
		OnRetry: func(_ int, d time.Duration, _ error) { waits = append(waits, d) },
	}
	err := b.Do(context.Background(), func() (*http.Response, error) {
		calls++
		if calls < 3 {
			return nil, statusErr(503)
		}
		return nil, nil
	})
	if err != nil || calls != 3 || len(waits) != 2 {
		t.Fatalf("want=(nil, 3 calls, 2 waits) got=(%v, %d, %d)", err, calls, len(waits))
	}
}

func TestBackoffStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Backoff{Retries: 5, Initial: time.Millisecond}.Do(context.Background(), func() (*http.Response, error) {
		calls++
		return nil, statusErr(400)
	})
	if calls != 1 || err == nil {
		t.Fatalf("want one call and an error, got=(%d, %v)", calls, err)
	}
}

func TestBackoffHonoursRetryAfterCap(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	b := Backoff{Max: 10 * time.Millisecond}
	if got := b.cap(retryAfter(resp, time.Millisecond)); got != 10*time.Millisecond {
		t.Fatalf("capped: want=10ms got=%s", got)
	}
	if got := retryAfter(nil, 2*time.Second); got != 2*time.Second {
		t.Fatalf("fallback: want=2s got=%s", got)
	}
}

func TestBackoffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backoff{Retries: 1}.Do(ctx, func() (*http.Response, error) { return nil, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got=%v", err)
	}
}
