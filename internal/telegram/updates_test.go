package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/token-vending-machine/internal/chat"
)

type sentMessage struct {
	ChatID   int64
	Text     string
	Markdown bool
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) SendMessage(_ context.Context, chatID int64, text string, opts chat.ReplyOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text, Markdown: opts.Markdown})
	return nil
}

func (s *fakeSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func newEchoRouter() *chat.Router {
	router := chat.NewRouter()
	router.Command("token", func(ctx context.Context, msg chat.Message) error {
		return msg.Reply(ctx, "token for "+msg.FromID(), chat.WithMarkdown())
	})
	router.OnMessage(func(ctx context.Context, msg chat.Message) error {
		return msg.Reply(ctx, "echo "+msg.Text())
	})
	return router
}

func TestUpdateHandler_Handle(t *testing.T) {
	sender := &fakeSender{}
	handler := NewUpdateHandler(newEchoRouter(), sender, zaptest.NewLogger(t))
	ctx := context.Background()

	handler.Handle(ctx, Update{UpdateID: 1, Message: &Message{From: &User{ID: 1001}, Chat: Chat{ID: 55}, Text: "/token"}})
	handler.Handle(ctx, Update{UpdateID: 2, Message: &Message{Chat: Chat{ID: 56}, Text: "hello"}})
	handler.Handle(ctx, Update{UpdateID: 3})

	assert.Equal(t, []sentMessage{
		{ChatID: 55, Text: "token for 1001", Markdown: true},
		{ChatID: 56, Text: "echo hello"},
	}, sender.Sent())
}

func TestUpdateHandler_SendFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("blocked")}
	handler := NewUpdateHandler(newEchoRouter(), sender, zaptest.NewLogger(t))

	assert.NotPanics(t, func() {
		handler.Handle(context.Background(), Update{UpdateID: 1, Message: &Message{From: &User{ID: 1}, Chat: Chat{ID: 1}, Text: "hi"}})
	})
}
