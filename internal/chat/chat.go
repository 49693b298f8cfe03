package chat

import "context"

// ReplyOptions controls how a reply is rendered by the transport.
type ReplyOptions struct {
	Markdown bool
}

// ReplyOption configures a reply.
type ReplyOption func(*ReplyOptions)

// WithMarkdown asks the transport to render the reply as Markdown.
func WithMarkdown() ReplyOption {
	return func(o *ReplyOptions) {
		o.Markdown = true
	}
}

// NewReplyOptions applies opts on top of the defaults.
func NewReplyOptions(opts ...ReplyOption) ReplyOptions {
	var o ReplyOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Message is an inbound chat message that can be answered.
type Message interface {
	FromID() string
	Text() string
	Reply(ctx context.Context, text string, opts ...ReplyOption) error
}

// Handler handles an inbound message.
type Handler func(ctx context.Context, msg Message) error

// Channel lets the vending machine register handlers for the start event,
// named commands and any other message.
type Channel interface {
	Start(handler Handler)
	Command(name string, handler Handler)
	OnMessage(handler Handler)
}
