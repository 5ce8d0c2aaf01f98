package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
)

// CorrelationMiddleware carries X-Request-ID (or a fresh id) into the request context
// and echoes it back on the response.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := requestCorrelationID(c)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(fiber.HeaderXRequestID, id)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		return c.Next()
	}
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func contextCorrelationID(c *fiber.Ctx) string {
	if id, ok := observability.CorrelationIDFromContext(c.UserContext()); ok {
		return id
	}
	return requestCorrelationID(c)
}

func toHTTPError(err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return err
	}
	if code := transport.StatusCode(err); code != fiber.StatusInternalServerError {
		return fiber.NewError(code, err.Error())
	}
	return err
}
