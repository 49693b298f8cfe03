package domain

import "time"

// TokenStatus is the derived classification of a token value. It is never persisted.
type TokenStatus string

const (
	TokenStatusNotFound TokenStatus = "NOT_FOUND"
	TokenStatusExpired  TokenStatus = "EXPIRED"
	TokenStatusValid    TokenStatus = "VALID"
)

// Token is an issued API credential.
type Token struct {
	Name       string
	Value      string
	OwnerID    string
	CreatedAt  int64 // epoch milliseconds
	LifetimeMs int64
}

// ExpiresAtMs returns the expiry instant in epoch milliseconds.
func (t Token) ExpiresAtMs() int64 {
	return t.CreatedAt + t.LifetimeMs
}

// ExpiresAt returns the expiry instant in UTC.
func (t Token) ExpiresAt() time.Time {
	return time.UnixMilli(t.ExpiresAtMs()).UTC()
}

// IsExpired reports whether the token is expired at now. A token is expired
// from the exact expiry instant onwards.
func (t Token) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= t.ExpiresAtMs()
}

// Status classifies an existing token at now.
func (t Token) Status(now time.Time) TokenStatus {
	if t.IsExpired(now) {
		return TokenStatusExpired
	}
	return TokenStatusValid
}
