package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// userLimiter holds one token bucket per user for turn requests.
type userLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	now      func() time.Time
	lastGC   time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(perMinute int) *userLimiter {
	burst := perMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

func (u *userLimiter) allow(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	if now.Sub(u.lastGC) > limiterIdleTTL {
		for id, e := range u.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(u.limiters, id)
			}
		}
		u.lastGC = now
	}

	e, ok := u.limiters[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(u.every, u.burst)}
		u.limiters[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
