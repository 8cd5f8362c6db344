// Package ratelimit provides per-key token-bucket limiting, generalized
// from the teacher's middleware.RateLimiter (per-user HTTP limiting) to
// two coordinator-specific keys: the remote address attempting a
// WebSocket upgrade, and the connection id sending envelopes once
// attached.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter maps an arbitrary string key to its own token bucket,
// created lazily on first use.
type KeyedLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a KeyedLimiter allowing requestsPerMin sustained per key,
// with a burst of 10% of that rate (minimum 5).
func New(requestsPerMin int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMin) / 60.0),
		burst:    max(requestsPerMin/10, 5),
	}
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.RLock()
	limiter, ok := k.limiters[key]
	k.mu.RUnlock()
	if ok {
		return limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if limiter, ok = k.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(k.rate, k.burst)
	k.limiters[key] = limiter
	return limiter
}

// Allow reports whether an event keyed by key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

// Forget removes a key's bucket, e.g. once a connection terminates.
func (k *KeyedLimiter) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}

// Cleanup removes buckets that are back at full burst, called
// periodically to bound memory for short-lived keys such as connection
// ids and remote addresses.
func (k *KeyedLimiter) Cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, limiter := range k.limiters {
		if limiter.Tokens() >= float64(k.burst) {
			delete(k.limiters, key)
		}
	}
}
