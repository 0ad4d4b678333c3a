// Package httpx holds the retry policy shared by outbound HTTP clients.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatusCode() int
}

// Retryable reports transport timeouts and 408/429/5xx responses. A
// cancelled or expired context is never retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	code := sc.HTTPStatusCode()
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Backoff retries a call with doubling, jittered waits. Retry-After on the
// last response overrides the computed wait, capped at Max.
type Backoff struct {
	Retries int
	Initial time.Duration
	Max     time.Duration
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent.
func (b Backoff) Do(ctx context.Context, fn func() (*http.Response, error)) error {
	wait := b.Initial
	if wait <= 0 {
		wait = time.Second
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := fn()
		if err == nil {
			return nil
		}
		if attempt >= b.Retries || !Retryable(err) {
			return err
		}
		d := jitter(b.cap(retryAfter(resp, wait)))
		if b.OnRetry != nil {
			b.OnRetry(attempt+1, d, err)
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
		wait *= 2
	}
}

func (b Backoff) cap(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// jitter spreads d by +/-20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.2
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
