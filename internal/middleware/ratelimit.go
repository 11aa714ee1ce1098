package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiterConfig configures the per-caller limiter.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int

	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration

	// KeyFunc defaults to CallerKey.
	KeyFunc func(c echo.Context) string
}

// DefaultRateLimiterConfig returns the callable limits.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 5,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		KeyFunc:           CallerKey,
	}
}

type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller key.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	callers map[string]*caller
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = CallerKey
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	rl := &RateLimiter{
		config:  config,
		callers: make(map[string]*caller),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	c, ok := rl.callers[key]
	if !ok {
		c = &caller{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.callers[key] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, c := range rl.callers {
				if now.Sub(c.lastSeen) > rl.config.CleanupInterval {
					delete(rl.callers, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Middleware rejects callers that exhausted their bucket with 429.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.Allow(rl.config.KeyFunc(c)) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error": map[string]string{
						"status":  "RESOURCE_EXHAUSTED",
						"message": "Too many requests",
					},
				})
			}
			return next(c)
		}
	}
}

// CallerKey keys buckets by authenticated uid, falling back to the client IP
// (echo's RealIP honours X-Forwarded-For and X-Real-IP).
func CallerKey(c echo.Context) string {
	if uid := domain.UIDFromContext(c.Request().Context()); uid != "" {
		return "uid:" + uid
	}
	return "ip:" + c.RealIP()
}
