// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/gofiber/fiber/v3"
)

// APIKeyAuth guards the control API. Keys are read from the X-API-Key header or an
// "Authorization: Bearer <key>" header. With no keys configured every request passes.
type APIKeyAuth struct {
	keys [][]byte
}

func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	m := &APIKeyAuth{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m.keys = append(m.keys, []byte(k))
		}
	}
	return m
}

// Enabled reports whether any key is configured
func (m *APIKeyAuth) Enabled() bool { return len(m.keys) > 0 }

func (m *APIKeyAuth) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}

		key := c.Get("X-API-Key")
		if key == "" {
			if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
				Success: false,
				Message: "API key is required",
				Error: dto.ErrorDetail{
					Code: "MISSING_API_KEY",
				},
			})
		}
		if !m.valid([]byte(key)) {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
				Success: false,
				Message: "Invalid API key",
				Error: dto.ErrorDetail{
					Code: "INVALID_API_KEY",
				},
			})
		}
		return c.Next()
	}
}

func (m *APIKeyAuth) valid(key []byte) bool {
	ok := 0
	for _, k := range m.keys {
		ok |= subtle.ConstantTimeCompare(k, key)
	}
	return ok == 1
}
