package events

import "time"

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTokenIssued  EventType = "token_issued"
	EventTokenRevoked EventType = "token_revoked"
)

// Event represents a domain event emitted by the vending machine.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TokenIssuedPayload payload. The token value itself is never part of an event.
type TokenIssuedPayload struct {
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRevokedPayload payload. ValueHint carries a masked token value.
type TokenRevokedPayload struct {
	ValueHint string `json:"value_hint"`
}
