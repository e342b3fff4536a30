package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	limiterSweepTTL = 5 * time.Minute

	// mutatingCost is the number of tokens a cancel or clear request takes.
	mutatingCost = 5
)

// RateLimitConfig configures RateLimiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// clientLimiters hands out one token bucket per client address. Buckets of
// clients idle for limiterIdleTTL are dropped.
type clientLimiters struct {
	cfg     RateLimitConfig
	buckets *cache.Cache
}

func (c *clientLimiters) get(client string) *rate.Limiter {
	if v, ok := c.buckets.Get(client); ok {
		c.buckets.SetDefault(client, v)
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
	if err := c.buckets.Add(client, l, cache.DefaultExpiration); err != nil {
		if v, ok := c.buckets.Get(client); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// RateLimiter limits each client to cfg.RequestsPerSecond with bursts of
// cfg.Burst. Requests that change state cost more than reads. Rejected
// requests get 429 with a Retry-After header.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	limiters := &clientLimiters{cfg: cfg, buckets: cache.New(limiterIdleTTL, limiterSweepTTL)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := limiters.get(clientIP(r))
			cost := requestCost(r, cfg.Burst)
			now := time.Now()
			if !l.AllowN(now, cost) {
				writeTooManyRequests(w, retryAfter(l, cost, now))
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(l.TokensAt(now))))
			next.ServeHTTP(w, r)
		})
	}
}

func requestCost(r *http.Request, burst int) int {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return 1
	}
	return max(min(mutatingCost, burst), 1)
}

// retryAfter returns the whole number of seconds until cost tokens are
// available again.
func retryAfter(l *rate.Limiter, cost int, now time.Time) int {
	missing := float64(cost) - l.TokensAt(now)
	if l.Limit() <= 0 || missing <= 0 {
		return 1
	}
	return int(math.Ceil(missing / float64(l.Limit())))
}

// clientIP returns the host part of the peer address. X-Forwarded-For is
// ignored since any client can set it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(max(retryAfterSecs, 1)))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": msg,
	})
}
