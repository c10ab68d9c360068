package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/cache"
)

// RateLimiter enforces a fixed-window per-client request budget. The
// counters live in the shared cache, so the window survives router
// rebuilds and is visible to anything else reading cache stats.
type RateLimiter struct {
	cache      *cache.Cache
	limit      int
	window     time.Duration
	trustProxy bool
}

func NewRateLimiter(c *cache.Cache, limit int, window time.Duration, trustProxy bool) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{cache: c, limit: limit, window: window, trustProxy: trustProxy}
}

// Allow records one hit for the client and reports whether it is still
// inside the budget. The first hit opens the window.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.cache.Increment("ratelimit:"+ip, rl.window) <= int64(rl.limit)
}

// Middleware wraps a handler with the rate limit check.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := GetClientIP(r, rl.trustProxy)
		if !rl.Allow(ip) {
			log.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests",
				"Rate limit exceeded, retry later")
			return
		}
		next(w, r)
	}
}
