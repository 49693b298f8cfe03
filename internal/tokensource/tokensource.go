package tokensource

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-secure-stdlib/base62"
)

// TokenSource produces fresh, unguessable token values.
type TokenSource interface {
	Next(ctx context.Context) (string, error)
}

// UUID produces random (version 4) UUIDs.
type UUID struct{}

// Next implements TokenSource.
func (UUID) Next(_ context.Context) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid token: %w", err)
	}
	return id.String(), nil
}

const defaultBase62Length = 32

// Base62 produces random alphanumeric strings with an optional prefix.
type Base62 struct {
	Prefix string
	Length int
}

// Next implements TokenSource.
func (b Base62) Next(_ context.Context) (string, error) {
	length := b.Length
	if length <= 0 {
		length = defaultBase62Length
	}
	value, err := base62.Random(length)
	if err != nil {
		return "", fmt.Errorf("generate base62 token: %w", err)
	}
	return b.Prefix + value, nil
}
