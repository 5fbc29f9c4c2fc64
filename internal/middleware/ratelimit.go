package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// Routing decisions and job starts (per user)
	RouteMax        int
	RouteExpiration time.Duration

	// WebSocket connection attempts (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration

	// Admin surface (per IP), keeps admin key guessing slow
	AdminMax        int
	AdminExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		RouteMax:        120,
		RouteExpiration: 1 * time.Minute,

		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,

		AdminMax:        30,
		AdminExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	overrides := map[string]*int{
		"RATE_LIMIT_GLOBAL_API": &config.GlobalAPIMax,
		"RATE_LIMIT_ROUTE":      &config.RouteMax,
		"RATE_LIMIT_WEBSOCKET":  &config.WebSocketMax,
		"RATE_LIMIT_ADMIN":      &config.AdminMax,
	}
	for env, target := range overrides {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*target = n
			}
		}
	}

	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.RouteMax = 1000
		config.WebSocketMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

func newLimiter(max int, expiration time.Duration, key func(c *fiber.Ctx) string, message string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          max,
		Expiration:   expiration,
		KeyGenerator: key,
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Limit reached for %s", key(c))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       message,
				"retry_after": int(expiration.Seconds()),
			})
		},
	})
}

// GlobalAPIRateLimiter creates a rate limiter for all API requests
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return newLimiter(config.GlobalAPIMax, config.GlobalAPIExpiration, func(c *fiber.Ctx) string {
		return "global:" + c.IP()
	}, "Too many requests. Please slow down.")
}

// RouteRateLimiter limits routing decisions and job starts per user
func RouteRateLimiter(config *RateLimitConfig) fiber.Handler {
	return newLimiter(config.RouteMax, config.RouteExpiration, func(c *fiber.Ctx) string {
		if userID := UserID(c); userID != "" {
			return "route:user:" + userID
		}
		return "route:ip:" + c.IP()
	}, "Too many routing requests. Please slow down.")
}

// WebSocketRateLimiter limits connection attempts
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	return newLimiter(config.WebSocketMax, config.WebSocketExpiration, func(c *fiber.Ctx) string {
		return "ws:" + c.IP()
	}, "Too many connection attempts. Please wait before reconnecting.")
}

// AdminRateLimiter limits the admin surface
func AdminRateLimiter(config *RateLimitConfig) fiber.Handler {
	return newLimiter(config.AdminMax, config.AdminExpiration, func(c *fiber.Ctx) string {
		return "admin:" + c.IP()
	}, "Too many admin requests. Please wait.")
}
