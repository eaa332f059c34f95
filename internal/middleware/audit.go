package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit emits one structured log per request. Client errors log at warn and
// server errors at error. Requests naming an address path parameter carry it
// as the subject. Request bodies are never logged since they may hold a PIN.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if err != nil && errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		requestID, _ := c.Locals(requestIDHeader).(string)

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if subject := c.Params("address"); subject != "" {
			attrs = append(attrs, slog.String("subject", subject))
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error("request completed", attrs...)
		case status >= fiber.StatusBadRequest:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
