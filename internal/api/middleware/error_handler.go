package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

func errorResponse(code, message, reqID string) fiber.Map {
	body := fiber.Map{
		"code":    code,
		"message": message,
	}
	if reqID != "" {
		body["request_id"] = reqID
	}
	return fiber.Map{"error": body}
}

// ErrorHandler renders every error as {"error":{"code","message"}}.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		reqID := requestID(c)

		var appErr *domain.AppError
		if errors.As(err, &appErr) {
			if appErr.StatusCode >= 500 {
				logger.Error("internal error",
					slog.String("code", appErr.Code),
					slog.String("message", appErr.Message),
					slog.Any("error", appErr.Err),
					slog.String("request_id", reqID),
				)
			}
			return c.Status(appErr.StatusCode).JSON(errorResponse(appErr.Code, appErr.Message, reqID))
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(errorResponse("HTTP_ERROR", fiberErr.Message, reqID))
		}

		logger.Error("unhandled error",
			slog.Any("error", err),
			slog.String("path", c.Path()),
			slog.String("request_id", reqID),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse("INTERNAL_ERROR", "An unexpected error occurred", reqID))
	}
}
