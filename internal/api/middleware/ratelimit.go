package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures one per-client budget. The API mounts two:
// one shared by metadata, playback and event routes, and a much smaller
// one in front of clip extraction.
type RateLimitConfig struct {
	// Name tags log lines so the two budgets can be told apart.
	Name string
	// Rate is the number of requests allowed per second per IP.
	Rate rate.Limit
	// Burst is the maximum burst size per IP.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig covers listing, metadata and audio streaming:
// 20 requests/second with a burst of 40. A player scrubbing through a
// recording issues a Range request per seek, and each one is charged.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Name:            "api",
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// ClipRateLimitConfig covers clip extraction, which stages the recording
// and runs ffmpeg for every request: 1 request/second with a burst of 3.
func ClipRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Name:            "clip",
		Rate:            rate.Limit(1),
		Burst:           3,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type clientBudget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*clientBudget
	cfg     RateLimitConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	stop    sync.Once
}

// NewIPRateLimiter creates a limiter and starts its idle-entry sweep.
func NewIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *IPRateLimiter {
	if cfg.Name != "" {
		logger = logger.With("limiter", cfg.Name)
	}
	rl := &IPRateLimiter{
		entries: make(map[string]*clientBudget),
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *IPRateLimiter) budget(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.entries[ip]
	if !ok {
		b = &clientBudget{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow takes a token for ip if one is available.
func (rl *IPRateLimiter) Allow(ip string) bool {
	return rl.budget(ip).Allow()
}

// retryAfter takes a token for ip and returns 0, or leaves the bucket
// untouched and returns how long until a token would be free.
func (rl *IPRateLimiter) retryAfter(ip string) time.Duration {
	res := rl.budget(ip).Reserve()
	if !res.OK() {
		return time.Second
	}
	d := res.Delay()
	if d > 0 {
		res.Cancel()
	}
	return d
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.stopCh) })
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops clients idle for longer than MaxAge.
func (rl *IPRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for ip, b := range rl.entries {
		if b.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// RateLimit rejects requests over the client's budget with 429. Retry-After
// carries the whole seconds until the next token, at least 1.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			if wait := limiter.retryAfter(ip); wait > 0 {
				secs := max(1, int(math.Ceil(wait.Seconds())))
				limiter.logger.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
					"range", r.Header.Get("Range"),
					"retry_after_sec", secs,
				)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the RemoteAddr host. chi's RealIP runs first when the
// server sits behind a proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
