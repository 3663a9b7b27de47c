package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// pruneThreshold is the number of tracked users above which full buckets
// are dropped. A full bucket is indistinguishable from a fresh one.
const pruneThreshold = 10000

// Limiter manages token buckets per user
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: sustained requests allowed per hour per user
// burst: max requests in a burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

// Disabled reports whether the limiter lets everything through.
func (l *Limiter) Disabled() bool {
	return l == nil || l.perHour <= 0
}

// PerHour returns the configured sustained rate.
func (l *Limiter) PerHour() int {
	return l.perHour
}

func (l *Limiter) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[userID]
	if !exists {
		if len(l.limiters) >= pruneThreshold {
			l.pruneLocked()
		}
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[userID] = limiter
	}
	return limiter
}

func (l *Limiter) pruneLocked() {
	for id, lim := range l.limiters {
		if lim.Tokens() >= float64(l.burst) {
			delete(l.limiters, id)
		}
	}
}

// Allow consumes a token for userID if one is available
func (l *Limiter) Allow(userID string) bool {
	if l.Disabled() {
		return true
	}
	return l.get(userID).Allow()
}

// Tokens returns the tokens currently available to userID
func (l *Limiter) Tokens(userID string) float64 {
	if l.Disabled() {
		return 0
	}
	return l.get(userID).Tokens()
}

// Tracked returns how many users currently hold a bucket.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
