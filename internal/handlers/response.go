package handlers

import (
	"log"

	"helixgate/internal/apperrors"

	"github.com/gofiber/fiber/v2"
)

// respondError renders a taxonomy error as {error, error_code, retryable} so
// clients can tell "awaiting approval" from "disabled" from "try again"
func respondError(c *fiber.Ctx, err error) error {
	kind := apperrors.KindOf(err)
	message := err.Error()
	if kind == apperrors.KindInternal {
		log.Printf("❌ [API] %s %s failed: %v", c.Method(), c.Path(), err)
		message = "Internal server error"
	}
	return c.Status(apperrors.HTTPStatus(kind)).JSON(fiber.Map{
		"error":      message,
		"error_code": string(kind),
		"retryable":  apperrors.IsRetryable(err),
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":      message,
		"error_code": string(apperrors.KindInvalidInput),
		"retryable":  false,
	})
}

func callerID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

func isAdmin(c *fiber.Ctx) bool {
	if admin, ok := c.Locals("is_admin").(bool); ok && admin {
		return true
	}
	role, _ := c.Locals("user_role").(string)
	return role == "admin"
}

// canAccess lets callers see their own resources and admins see everything
func canAccess(c *fiber.Ctx, ownerID string) bool {
	return ownerID == callerID(c) || isAdmin(c)
}

func forbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": "Access denied",
	})
}

func requireCaller(c *fiber.Ctx) (string, error) {
	userID := callerID(c)
	if userID == "" {
		return "", c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}
	return userID, nil
}
