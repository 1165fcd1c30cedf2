package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"benchmate/pkg/api"

	"golang.org/x/time/rate"
)

// RateLimiter throttles submissions per client address.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	keyFunc  func(*http.Request) string
	limiters sync.Map // client key -> *cachedLimiter
	now      func() time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithRate sets the sustained rate per second and the burst size.
// A rate of 0 means unlimited.
func WithRate(perSecond float64, burst int) Option {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(perSecond)
		rl.burst = burst
	}
}

// WithTTL sets how long an idle client limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// WithKeyFunc overrides how requests are grouped.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(rl *RateLimiter) { rl.keyFunc = fn }
}

// NewRateLimiter creates a limiter. Without WithRate it allows everything.
func NewRateLimiter(opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		ttl:     5 * time.Minute,
		keyFunc: clientAddr,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.burst <= 0 {
		rl.burst = max(1, int(rl.limit))
	}
	return rl
}

// Middleware returns the HTTP middleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// rate 0 means unlimited
			if rl.limit > 0 && !rl.limiterFor(rl.keyFunc(r)).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(api.Response{Message: "Too Many Requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()
	if v, ok := rl.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
