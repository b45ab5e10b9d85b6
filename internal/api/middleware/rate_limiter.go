package middleware

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ratelimit"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	// Max requests per window, only reported in headers; the limiter enforces it.
	Max int
	// KeyGenerator returns the bucket of a request.
	KeyGenerator func(c *fiber.Ctx) string
}

// DefaultKey buckets authenticated callers by subject and everyone else by IP.
func DefaultKey(c *fiber.Ctx) string {
	if p, ok := c.Locals(LocalPrincipal).(*ws.Principal); ok && p.Method != ws.AuthNone {
		return "sub:" + p.Subject
	}
	return "ip:" + c.IP()
}

// RateLimiter applies a ratelimit.Limiter to HTTP requests
type RateLimiter struct {
	limiter ratelimit.Limiter
	config  RateLimiterConfig
	logger  *slog.Logger
}

func NewRateLimiter(limiter ratelimit.Limiter, config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config.KeyGenerator == nil {
		config.KeyGenerator = DefaultKey
	}
	return &RateLimiter{limiter: limiter, config: config, logger: logger}
}

// Handler returns the Fiber middleware handler. Limiter failures let the request through.
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "http:" + rl.config.KeyGenerator(c)

		allowed, err := rl.limiter.Allow(c.Context(), key)
		if err != nil {
			rl.logger.Warn("rate limit check failed", "key", key, "error", err)
			return c.Next()
		}

		if rl.config.Max > 0 {
			c.Set("X-RateLimit-Limit", strconv.Itoa(rl.config.Max))
		}
		if !allowed {
			return domain.ErrRateLimitExceeded
		}
		return c.Next()
	}
}
