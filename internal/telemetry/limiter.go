package telemetry

import (
	"sync"

	"golang.org/x/time/rate"
)

// agentLimiter is a per-agent token bucket over ingested messages.
type agentLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func newAgentLimiter(perSecond float64, burst int) *agentLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &agentLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *agentLimiter) getLimiter(agentID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[agentID]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, exists = l.limiters[agentID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[agentID] = limiter
	return limiter
}

func (l *agentLimiter) Allow(agentID string) bool {
	if l == nil {
		return true
	}
	return l.getLimiter(agentID).Allow()
}
