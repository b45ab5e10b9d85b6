package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

// Logger logs one line per request. Health probes and websocket upgrades are
// logged at debug; the connection manager logs the stream itself.
func Logger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case isQuietPath(c.Path()):
			level = slog.LevelDebug
		}

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.IP()),
			slog.String("request_id", requestID(c)),
		}
		if p, ok := c.Locals(LocalPrincipal).(*ws.Principal); ok {
			attrs = append(attrs, slog.String("subject", p.Subject))
		}

		logger.Log(c.Context(), level, "http request", attrs...)
		return err
	}
}

func isQuietPath(path string) bool {
	return path == "/health" || path == "/ready" || strings.HasPrefix(path, "/v1/ws/")
}

// requestID reads the id set by the requestid middleware.
func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}
