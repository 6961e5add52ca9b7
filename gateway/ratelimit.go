package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet hands out one token bucket per tenant. Buckets are created
// lazily and dropped when a tenant disappears on reload.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the tenant may make a request right now.
func (s *limiterSet) Allow(tenantID string) bool {
	s.mu.Lock()
	l, ok := s.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[tenantID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

// Forget drops the tenant's bucket.
func (s *limiterSet) Forget(tenantID string) {
	s.mu.Lock()
	delete(s.limiters, tenantID)
	s.mu.Unlock()
}
