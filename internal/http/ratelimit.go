package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiters keeps a token bucket per scan device. Entries expire so
// one-off devices do not accumulate forever.
type rateLimiters struct {
	mu      sync.Mutex
	entries map[string]*deviceLimiter
	limit   rate.Limit
	burst   int
}

type deviceLimiter struct {
	limiter *rate.Limiter
	expires time.Time
}

const limiterTTL = 5 * time.Minute

func newRateLimiters(perMinute int) *rateLimiters {
	if perMinute < 1 {
		perMinute = 1
	}
	burst := perMinute / 2
	if burst < 1 {
		burst = 1
	}
	return &rateLimiters{
		entries: make(map[string]*deviceLimiter),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
	}
}

func (l *rateLimiters) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for existing, entry := range l.entries {
		if now.After(entry.expires) {
			delete(l.entries, existing)
		}
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &deviceLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.expires = now.Add(limiterTTL)
	return entry.limiter.Allow()
}
