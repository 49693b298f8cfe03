package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-vending-machine/internal/api/dto"
	"github.com/spec-kit/token-vending-machine/internal/auth"
	apperrors "github.com/spec-kit/token-vending-machine/pkg/util/errorutil"
)

// TokenHandler exposes token status checks to downstream services.
type TokenHandler struct {
	checker auth.StatusChecker
}

// NewTokenHandler constructs handler.
func NewTokenHandler(checker auth.StatusChecker) *TokenHandler {
	return &TokenHandler{checker: checker}
}

// Status handles GET /api/tokens/:value/status. Unknown values answer
// NOT_FOUND with status 200.
func (h *TokenHandler) Status(c *fiber.Ctx) error {
	value := c.Params("value")
	if value == "" {
		return apperrors.NewValidationError("token value required", nil)
	}

	status, err := h.checker.TokenStatus(c.UserContext(), value)
	if err != nil {
		return err
	}

	return c.JSON(dto.TokenStatusResponse{TokenStatus: string(status)})
}

// Introspect handles GET /api/v1/introspect.
func (h *TokenHandler) Introspect(c *fiber.Ctx) error {
	bearer, ok := auth.BearerFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("missing bearer token")
	}

	return c.JSON(dto.IntrospectResponse{
		Active:      true,
		TokenStatus: string(bearer.Status),
	})
}
