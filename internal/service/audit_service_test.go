package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/token-vending-machine/internal/config"
	"github.com/spec-kit/token-vending-machine/internal/events"
)

func TestAuditService_Record_NoWebhook(t *testing.T) {
	audit := NewAuditService(zaptest.NewLogger(t), config.AuditConfig{})

	err := audit.Record(context.Background(), events.Event{ID: "1", Type: events.EventTokenIssued})
	assert.NoError(t, err)
}

func TestAuditService_Record_Webhook(t *testing.T) {
	var calls atomic.Int32
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	audit := NewAuditService(
		zaptest.NewLogger(t),
		config.AuditConfig{WebhookURL: server.URL},
		WithAuditRetry(2, time.Millisecond, 5*time.Millisecond),
	)

	err := audit.Record(context.Background(), events.Event{
		ID:      "evt-1",
		Type:    events.EventTokenRevoked,
		ActorID: "1001",
		Payload: events.TokenRevokedPayload{ValueHint: "abcd...wxyz"},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "evt-1", received["id"])
	assert.Equal(t, "token_revoked", received["type"])
	assert.Equal(t, "1001", received["actor_id"])
	assert.Equal(t, map[string]any{"value_hint": "abcd...wxyz"}, received["payload"])
}

func TestAuditService_Record_WebhookRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	audit := NewAuditService(
		zaptest.NewLogger(t),
		config.AuditConfig{WebhookURL: server.URL},
		WithAuditRetry(0, time.Millisecond, time.Millisecond),
	)

	err := audit.Record(context.Background(), events.Event{ID: "evt-2", Type: events.EventTokenIssued})
	assert.ErrorContains(t, err, "400")
}
