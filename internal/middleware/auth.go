package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/keyissuer/internal/utils"
)

const operatorContextKey = "currentOperator"

// OperatorAuth validates operator JWTs and stores the subject in context.
func OperatorAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		subject, err := utils.ParseOperatorToken(secret, parts[1])
		if err != nil {
			if errors.Is(err, utils.ErrNotOperator) {
				return fiber.NewError(fiber.StatusForbidden, "operator role required")
			}
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(operatorContextKey, subject)
		return c.Next()
	}
}

// GetCurrentOperator extracts the authenticated operator subject from context.
func GetCurrentOperator(c *fiber.Ctx) (string, bool) {
	subject, ok := c.Locals(operatorContextKey).(string)
	return subject, ok && subject != ""
}
