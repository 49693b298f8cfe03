package auth

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/token-vending-machine/internal/domain"
	apperrors "github.com/spec-kit/token-vending-machine/pkg/util/errorutil"
)

const bearerKey = "auth_bearer"

// StatusChecker classifies token values. *service.VendingMachine implements it.
type StatusChecker interface {
	TokenStatus(ctx context.Context, value string) (domain.TokenStatus, error)
}

// SignatureVerifier rejects forged values before the status lookup.
// *tokensource.JWT implements it.
type SignatureVerifier interface {
	Verify(value string) (string, error)
}

// Bearer is the token presented by an authenticated caller.
type Bearer struct {
	Value  string
	Status domain.TokenStatus
}

// BearerMiddleware admits requests carrying a VALID vending machine token.
type BearerMiddleware struct {
	checker  StatusChecker
	verifier SignatureVerifier
}

// NewBearerMiddleware constructs middleware. verifier may be nil.
func NewBearerMiddleware(checker StatusChecker, verifier SignatureVerifier) *BearerMiddleware {
	return &BearerMiddleware{checker: checker, verifier: verifier}
}

// Handle enforces authentication for protected routes.
func (m *BearerMiddleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return apperrors.NewUnauthorized("invalid authorization header")
	}
	value := strings.TrimSpace(parts[1])

	if m.verifier != nil {
		if _, err := m.verifier.Verify(value); err != nil {
			return apperrors.NewUnauthorized("invalid token")
		}
	}

	status, err := m.checker.TokenStatus(c.UserContext(), value)
	if err != nil {
		return apperrors.ToDomainError(err)
	}

	switch status {
	case domain.TokenStatusValid:
	case domain.TokenStatusExpired:
		return apperrors.NewUnauthorized("token expired")
	default:
		return apperrors.NewUnauthorized("invalid token")
	}

	c.Locals(bearerKey, &Bearer{Value: value, Status: status})
	return c.Next()
}

// BearerFromContext retrieves the authenticated token.
func BearerFromContext(c *fiber.Ctx) (*Bearer, bool) {
	val := c.Locals(bearerKey)
	if val == nil {
		return nil, false
	}
	bearer, ok := val.(*Bearer)
	return bearer, ok
}
