// Package chattest provides an in-process chat.Channel for tests.
package chattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/spec-kit/token-vending-machine/internal/chat"
)

// Reply is a recorded answer.
type Reply struct {
	Text     string
	Markdown bool
}

// Channel routes simulated messages through a chat.Router and records replies.
type Channel struct {
	*chat.Router
}

// NewChannel returns a channel ready to have handlers registered.
func NewChannel() *Channel {
	return &Channel{Router: chat.NewRouter()}
}

// SimulateStart delivers "/start" from userID and returns the reply texts.
func (c *Channel) SimulateStart(ctx context.Context, userID string) ([]string, error) {
	return c.SimulateMessage(ctx, userID, "/start")
}

// SimulateCommand delivers a command. An empty text defaults to "/<command>".
func (c *Channel) SimulateCommand(ctx context.Context, command, userID, text string) ([]string, error) {
	if text == "" {
		text = "/" + command
	}
	return c.SimulateMessage(ctx, userID, text)
}

// SimulateMessage delivers text from userID and returns the reply texts.
func (c *Channel) SimulateMessage(ctx context.Context, userID, text string) ([]string, error) {
	replies, err := c.Deliver(ctx, userID, text)
	texts := make([]string, len(replies))
	for i, reply := range replies {
		texts[i] = reply.Text
	}
	return texts, err
}

// Deliver delivers text from userID and returns the full replies.
func (c *Channel) Deliver(ctx context.Context, userID, text string) ([]Reply, error) {
	msg := &Message{fromID: userID, text: text}
	if err := c.Dispatch(ctx, msg); err != nil {
		return msg.Replies(), fmt.Errorf("dispatch %q: %w", text, err)
	}
	return msg.Replies(), nil
}

// Message is a chat.Message that records its replies.
type Message struct {
	fromID string
	text   string

	mu      sync.Mutex
	replies []Reply
}

// NewMessage builds a message from userID.
func NewMessage(userID, text string) *Message {
	return &Message{fromID: userID, text: text}
}

func (m *Message) FromID() string { return m.fromID }

func (m *Message) Text() string { return m.text }

func (m *Message) Reply(_ context.Context, text string, opts ...chat.ReplyOption) error {
	o := chat.NewReplyOptions(opts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, Reply{Text: text, Markdown: o.Markdown})
	return nil
}

// Replies returns the replies recorded so far.
func (m *Message) Replies() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reply(nil), m.replies...)
}
