package telegram

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-vending-machine/pkg/util/errorutil"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler receives updates pushed by Telegram.
type WebhookHandler struct {
	updates *UpdateHandler
	secret  string
}

// NewWebhookHandler constructs the handler. Every request must carry secret
// in the SecretTokenHeader; with an empty secret all requests are rejected.
func NewWebhookHandler(updates *UpdateHandler, secret string) *WebhookHandler {
	return &WebhookHandler{updates: updates, secret: secret}
}

// Handle processes a single update.
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(c.Get(SecretTokenHeader)), []byte(h.secret)) != 1 {
		return errorutil.NewUnauthorized("invalid webhook secret")
	}

	var update Update
	if err := c.BodyParser(&update); err != nil {
		return errorutil.NewValidationError("invalid update payload", map[string]any{"reason": err.Error()})
	}

	h.updates.Handle(c.UserContext(), update)
	return c.SendStatus(fiber.StatusOK)
}
