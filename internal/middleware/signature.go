package middleware

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SignatureHeader carries hex(HMAC-SHA512(secret, raw body)) on gateway webhooks.
const SignatureHeader = "x-paystack-signature"

// WebhookSignature rejects deliveries whose signature does not match the raw body.
// Nothing downstream runs for a rejected request.
func WebhookSignature(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		given := strings.TrimSpace(c.Get(SignatureHeader))
		if given == "" || len(key) == 0 {
			return fiber.NewError(fiber.StatusUnauthorized, "missing signature")
		}

		sig, err := hex.DecodeString(given)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid signature")
		}

		if !hmac.Equal(sig, Sign(key, c.Body())) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid signature")
		}
		return c.Next()
	}
}

// Sign computes the webhook signature for body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is Sign rendered the way the header carries it.
func SignHex(secret string, body []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), body))
}
