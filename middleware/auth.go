package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/savvycare/backend/auth"
)

const claimsKey = "claims"

// Auth verifies the bearer credential and stores its claims for the
// handlers. Failures go to the app's error handler as Unauthenticated.
func Auth(gate *auth.Gate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := gate.Authenticate(c.UserContext(), c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

// Claims returns the verified claims, or nil on routes without Auth.
func Claims(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals(claimsKey).(*auth.Claims)
	return claims
}
