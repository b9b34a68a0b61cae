package web

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTrackedClients bounds the number of client IPs a RateLimiter remembers.
const maxTrackedClients = 4096

type attemptWindow struct {
	count int
	start time.Time
}

// RateLimiter implements fixed-window IP-based rate limiting.
// Windows are dropped once they expire or when the least recent client is evicted.
type RateLimiter struct {
	mu          sync.Mutex
	windows     *expirable.LRU[string, *attemptWindow]
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:     expirable.NewLRU[string, *attemptWindow](maxTrackedClients, nil, window),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows.Get(ip)
	if !ok || now.Sub(w.start) > rl.window {
		// Add refreshes the entry TTL, so only call it when opening a window.
		rl.windows.Add(ip, &attemptWindow{count: 1, start: now})
		return true
	}
	if w.count >= rl.maxAttempts {
		return false
	}
	w.count++
	return true
}

// GetRemaining returns remaining attempts and time until reset
func (rl *RateLimiter) GetRemaining(ip string) (int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows.Peek(ip)
	if !ok {
		return rl.maxAttempts, 0
	}
	elapsed := rl.now().Sub(w.start)
	if elapsed > rl.window {
		return rl.maxAttempts, 0
	}
	return max(rl.maxAttempts-w.count, 0), rl.window - elapsed
}

// RateLimitMiddleware creates a middleware that rate limits specific endpoints
func RateLimitMiddleware(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			if !limiter.Allow(ip) {
				remaining, resetIn := limiter.GetRemaining(ip)
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "remaining", remaining, "reset_in", resetIn)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", formatDurationSeconds(resetIn))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":          "Too many attempts. Please try again later.",
					"retry_after":    formatDurationSeconds(resetIn),
					"retry_after_ms": resetIn.Milliseconds(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for proxies)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Take the first IP in the chain
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// formatDurationSeconds formats a duration as whole seconds, rounded up, for Retry-After.
func formatDurationSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
