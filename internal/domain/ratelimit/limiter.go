package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// sweepInterval bounds how often idle buckets are collected.
	sweepInterval = 10 * time.Minute
	// idleHorizon is how long a bucket survives without traffic.
	idleHorizon = 30 * time.Minute
)

type bucket struct {
	lim       *rate.Limiter
	perMinute int
	lastSeen  time.Time
}

// Limiter hands out per-key token buckets. The bucket refills smoothly
// at the configured per-minute rate with a burst of one minute's worth,
// so a quiet caller can spend its allowance at once. Safe for concurrent
// use.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// NewLimiter builds an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow draws one token from the bucket for key, creating it with the
// given per-minute rate on first use. A changed rate replaces the bucket
// so policy updates take effect immediately. Non-positive rates always
// deny.
func (l *Limiter) Allow(key string, perMinute int) bool {
	if perMinute <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || b.perMinute != perMinute {
		b = &bucket{
			lim:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.sweepLocked(now)
	return b.lim.AllowN(now, 1)
}

// Size reports the live bucket count, for metrics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleHorizon {
			delete(l.buckets, k)
		}
	}
}
