package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimitConfig shapes the per-user token bucket applied to authenticated
// routes. A window of 60s with 600 requests refills at 10 tokens/second;
// Burst is the bucket capacity.
type RateLimitConfig struct {
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	Burst         int `json:"burst" yaml:"burst"`
}

// tokenBucket is one user's allowance. Refill happens lazily on each check.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// allow consumes one token when available. It returns the remaining whole
// tokens, when the next token arrives (Retry-After) and when the bucket is
// full again (X-RateLimit-Reset).
func (tb *tokenBucket) allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	fullReset := now.Add(time.Duration((tb.capacity-tb.tokens)/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullReset
	}

	next := now.Add(time.Duration((1.0-tb.tokens)/tb.refillRate) * time.Second)
	return false, 0, next, fullReset
}

// rateLimiter holds per-user buckets. Buckets idle past an hour are dropped
// by the cleanup loop.
type rateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	cfg     RateLimitConfig
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) bucket(userID string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[userID]; ok {
		return b
	}
	b = &tokenBucket{
		tokens:     float64(rl.cfg.Burst),
		capacity:   float64(rl.cfg.Burst),
		refillRate: float64(rl.cfg.MaxRequests) / float64(rl.cfg.WindowSeconds),
		lastRefill: time.Now(),
	}
	rl.buckets[userID] = b
	return b
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for userID, b := range rl.buckets {
			b.mu.Lock()
			idle := time.Since(b.lastRefill) > time.Hour
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, userID)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces a per-user token bucket on authenticated
// routes. It runs after AuthMiddleware; requests without a session pass
// through untouched.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.MaxRequests / 5
		if cfg.Burst == 0 {
			cfg.Burst = 1
		}
	}
	limiter := newRateLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFrom(r.Context())
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextToken, fullReset := limiter.bucket(sess.UserID).allow()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullReset.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("user_id", sess.UserID).
					Str("path", r.URL.Path).
					Msg("rate limit exceeded")

				writeJSON(w, http.StatusTooManyRequests,
					map[string]string{"error": "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
