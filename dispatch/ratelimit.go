package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// principalLimiter holds a per-principal token bucket and the last time it
// was used.
type principalLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore throttles dispatches per principal name. A nil store
// (rate limiting disabled) admits everything.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*principalLimiter
	r        rate.Limit
	b        int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRateLimiterStore(requestsPerMinute int) *rateLimiterStore {
	if requestsPerMinute <= 0 {
		return nil
	}
	s := &rateLimiterStore{
		limiters: make(map[string]*principalLimiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        requestsPerMinute,
		stopCh:   make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// allow reports whether the principal may dispatch now.
func (s *rateLimiterStore) allow(principal string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[principal]
	if !ok {
		l = &principalLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[principal] = l
	}
	l.lastSeen = time.Now()
	s.mu.Unlock()
	return l.limiter.Allow()
}

// cleanup periodically removes stale entries until stop is called.
func (s *rateLimiterStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for name, l := range s.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(s.limiters, name)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// stop shuts down the cleanup goroutine. Safe to call multiple times.
func (s *rateLimiterStore) stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}
