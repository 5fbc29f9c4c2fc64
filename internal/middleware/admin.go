package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"

	"helixgate/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// AdminKeyHeader carries the operator key for machine callers
const AdminKeyHeader = "X-Admin-Key"

// AdminConfig decides who is an operator
type AdminConfig struct {
	SuperadminUserIDs []string
	// AdminKeyHash is an argon2id hash from auth.HashAdminKey
	AdminKeyHash string
}

// AdminMiddleware admits callers holding the admin role, a superadmin ID, or a
// key matching AdminKeyHash. Run it after OptionalAuthMiddleware.
func AdminMiddleware(cfg AdminConfig) fiber.Handler {
	// sha256 digests of keys that already passed argon2 verification
	var verified sync.Map

	return func(c *fiber.Ctx) error {
		if key := c.Get(AdminKeyHeader); key != "" && cfg.AdminKeyHash != "" {
			sum := sha256.Sum256([]byte(key))
			digest := hex.EncodeToString(sum[:])
			if _, ok := verified.Load(digest); !ok {
				ok, err := auth.VerifyAdminKey(cfg.AdminKeyHash, key)
				if err != nil {
					log.Printf("❌ [ADMIN] Admin key hash is misconfigured: %v", err)
				}
				if !ok {
					log.Printf("🚫 [ADMIN] Rejected admin key from %s", c.IP())
					return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
						"error": "Invalid admin key",
					})
				}
				verified.Store(digest, struct{}{})
			}
			if UserID(c) == "" {
				c.Locals(LocalUserID, "admin-key")
			}
			c.Locals(LocalIsAdmin, true)
			return c.Next()
		}

		userID := UserID(c)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		isAdmin := false
		if role, ok := c.Locals(LocalRole).(string); ok && role == auth.RoleAdmin {
			isAdmin = true
		}
		if !isAdmin {
			isAdmin = IsSuperadmin(userID, cfg.SuperadminUserIDs)
		}

		if !isAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Admin access required",
			})
		}

		c.Locals(LocalIsAdmin, true)
		return c.Next()
	}
}

// IsSuperadmin reports whether userID is on the superadmin list
func IsSuperadmin(userID string, superadmins []string) bool {
	for _, adminID := range superadmins {
		if adminID == userID {
			return true
		}
	}
	return false
}
