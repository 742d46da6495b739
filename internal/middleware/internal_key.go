package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/cutline/render/pkg/response"
)

// InternalKeyHeader carries the shared key of headless sessions
const InternalKeyHeader = "X-Internal-Key"

// InternalKey guards routes only render sessions should reach.
// An empty key disables the check.
func InternalKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key == "" {
			return c.Next()
		}
		got := c.Get(InternalKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return response.Forbidden(c, "Invalid internal key")
		}
		return c.Next()
	}
}
