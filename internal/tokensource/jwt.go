package tokensource

import (
	"context"
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// JWT produces HS256-signed tokens carrying a random ID. The signature lets
// downstream services reject forged values before asking the vending machine
// for the token status.
type JWT struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

// NewJWT builds a signed token source.
func NewJWT(secret, issuer string, clock clockwork.Clock) *JWT {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWT{secret: []byte(secret), issuer: issuer, clock: clock}
}

// Next implements TokenSource.
func (s *JWT) Next(_ context.Context) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		ID:       id.String(),
		Issuer:   s.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the signature of a token produced by Next and returns its ID.
// Expiry is not part of the signed claims; the vending machine owns it.
func (s *JWT) Verify(value string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(value, &claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.ID == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.ID, nil
}

func (s *JWT) now() time.Time {
	return s.clock.Now()
}
