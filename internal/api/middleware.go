package api

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/pontoon-chat/pontoon/internal/httputil"
)

// RequireKey returns middleware that rejects requests whose x-api-key header does not
// match the configured key. Registration is the caller's choice: deployments without a
// key simply never attach it.
func RequireKey(key string) fiber.Handler {
	want := []byte(key)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get("x-api-key"))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorised, "Missing or invalid API key")
		}
		return c.Next()
	}
}
