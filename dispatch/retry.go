package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"

	"github.com/azsap/sapops/backend"
	"github.com/azsap/sapops/config"
)

// retryPolicy governs re-execution of transport-class failures. Remote
// failures are never retried: the target answered, and repeating a command
// that was refused is how half-stopped systems happen.
type retryPolicy struct {
	extra      int
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

func newRetryPolicy(cfg config.DispatchConfig) retryPolicy {
	p := retryPolicy{
		extra:      cfg.RetryAttempts,
		initial:    cfg.RetryBackoff.Std(),
		max:        cfg.RetryMaxBackoff.Std(),
		multiplier: 2.0,
		jitter:     0.1,
	}
	if p.extra < 0 {
		p.extra = 0
	}
	if p.initial <= 0 {
		p.initial = 500 * time.Millisecond
	}
	if p.max <= 0 {
		p.max = 5 * time.Second
	}
	return p
}

// run executes the call, retrying retryable outcomes up to the attempt
// budget. It returns the final outcome and the number of attempts made.
// Cancellation ends the loop immediately: a failure observed under a dead
// context is returned as-is, and backoff waits abort on ctx.Done.
func (p retryPolicy) run(ctx context.Context, call func(context.Context) backend.Outcome) (backend.Outcome, int) {
	for attempt := 0; ; attempt++ {
		out := call(ctx)
		if !out.Kind.Retryable() || attempt >= p.extra || ctx.Err() != nil {
			return out, attempt + 1
		}
		select {
		case <-time.After(p.backoff(attempt + 1)):
		case <-ctx.Done():
			return out, attempt + 1
		}
	}
}

func (p retryPolicy) backoff(retry int) time.Duration {
	base := float64(p.initial) * math.Pow(p.multiplier, float64(retry-1))
	if base > float64(p.max) {
		base = float64(p.max)
	}
	if p.jitter > 0 {
		base += base * p.jitter * (cryptoFloat64()*2 - 1)
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a uniformly random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
