package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit caps request throughput for one route class.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// visitorIdleTTL is how long a client may stay silent before its token bucket
// is dropped from the visitor map.
const visitorIdleTTL = 5 * time.Minute

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets keyed by route class.
type RateLimiter struct {
	logger    *slog.Logger
	limits    map[string]RateLimit
	now       func() time.Time
	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
}

// NewRateLimiter builds a limiter from route-class limits.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		now:      time.Now,
		visitors: make(map[string]*rateEntry),
	}
}

// Middleware enforces the limit configured for the key. Routes without a
// configured limit pass through untouched.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			id := key + "|" + clientID(req)
			if !r.obtainLimiter(id, limit).Allow() {
				r.logger.Warn("request rate limited", "route", key, "client", clientID(req))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// sweepLocked drops visitors that have been idle for a full TTL. The idle
// clock restarts on every request, so an active client keeps its bucket.
// Runs at most once per TTL; the caller holds the mutex.
func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < visitorIdleTTL {
		return
	}
	r.lastSweep = now
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) >= visitorIdleTTL {
			delete(r.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = strings.TrimSpace(raw[:comma])
		}
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return raw
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
