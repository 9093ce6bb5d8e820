package middleware

import (
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
)

func RecoveryMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", c.Path()),
					zap.String("method", c.Method()),
				)
				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"kind":   apierr.Internal,
					"detail": "an internal server error occurred",
				})
			}
		}()
		return c.Next()
	}
}
