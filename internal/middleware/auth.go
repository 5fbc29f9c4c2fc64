package middleware

import (
	"log"

	"helixgate/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// Locals keys set by the auth middlewares
const (
	LocalUserID  = "user_id"
	LocalRole    = "user_role"
	LocalIsAdmin = "is_admin"
)

// AuthMiddleware verifies JWT tokens.
// Supports both Authorization header and query parameter (for WebSocket connections).
// With no verifier configured, non-production environments run as a dev user.
func AuthMiddleware(jwtAuth *auth.JWTAuth, environment string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if jwtAuth == nil {
			if environment == "production" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
				})
			}
			c.Locals(LocalUserID, "dev-user")
			c.Locals(LocalRole, auth.RoleUser)
			return c.Next()
		}

		token := tokenFrom(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		user, err := jwtAuth.VerifyToken(token)
		if err != nil {
			log.Printf("❌ [AUTH] Token rejected: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(LocalUserID, user.ID)
		c.Locals(LocalRole, user.Role)
		return c.Next()
	}
}

// OptionalAuthMiddleware sets the caller identity when a valid token is present
func OptionalAuthMiddleware(jwtAuth *auth.JWTAuth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if jwtAuth == nil {
			return c.Next()
		}
		token := tokenFrom(c)
		if token == "" {
			return c.Next()
		}
		user, err := jwtAuth.VerifyToken(token)
		if err != nil {
			log.Printf("⚠️  [AUTH] Token validation failed: %v (continuing unauthenticated)", err)
			return c.Next()
		}
		c.Locals(LocalUserID, user.ID)
		c.Locals(LocalRole, user.Role)
		return c.Next()
	}
}

// UserID returns the authenticated caller, or "" when there is none
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}

func tokenFrom(c *fiber.Ctx) string {
	if header := c.Get("Authorization"); header != "" {
		if token, err := auth.ExtractToken(header); err == nil {
			return token
		}
	}
	return c.Query("token")
}
