package telegram

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/spec-kit/token-vending-machine/internal/chat"
)

// Sender delivers replies to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts chat.ReplyOptions) error
}

// Dispatcher routes a chat message to its handler. *chat.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg chat.Message) error
}

// UpdateHandler turns Bot API updates into chat messages.
type UpdateHandler struct {
	dispatcher Dispatcher
	sender     Sender
	logger     *zap.Logger
}

// NewUpdateHandler creates the handler.
func NewUpdateHandler(dispatcher Dispatcher, sender Sender, logger *zap.Logger) *UpdateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpdateHandler{dispatcher: dispatcher, sender: sender, logger: logger}
}

// Handle dispatches the message carried by update. Updates without a message
// are ignored. Handler failures are logged and not returned: Telegram would
// otherwise redeliver the update.
func (h *UpdateHandler) Handle(ctx context.Context, update Update) {
	if update.Message == nil {
		h.logger.Debug("ignoring update without message", zap.Int64("update_id", update.UpdateID))
		return
	}

	msg := &incomingMessage{
		sender: h.sender,
		chatID: update.Message.Chat.ID,
		fromID: senderID(update.Message),
		text:   update.Message.Text,
	}

	if err := h.dispatcher.Dispatch(ctx, msg); err != nil {
		h.logger.Error("handle update",
			zap.Int64("update_id", update.UpdateID),
			zap.String("user_id", msg.fromID),
			zap.Error(err))
	}
}

func senderID(msg *Message) string {
	if msg.From == nil {
		return "0"
	}
	return strconv.FormatInt(msg.From.ID, 10)
}

type incomingMessage struct {
	sender Sender
	chatID int64
	fromID string
	text   string
}

func (m *incomingMessage) FromID() string { return m.fromID }

func (m *incomingMessage) Text() string { return m.text }

func (m *incomingMessage) Reply(ctx context.Context, text string, opts ...chat.ReplyOption) error {
	return m.sender.SendMessage(ctx, m.chatID, text, chat.NewReplyOptions(opts...))
}
