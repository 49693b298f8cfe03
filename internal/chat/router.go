package chat

import (
	"context"
	"strings"
	"sync"
)

const startCommand = "start"

// Router is a Channel that routes messages to the registered handlers.
// Transports feed it through Dispatch.
type Router struct {
	mu       sync.RWMutex
	start    Handler
	commands map[string]Handler
	fallback Handler
	username string
}

// NewRouter creates a router without handlers.
func NewRouter() *Router {
	return &Router{commands: make(map[string]Handler)}
}

// SetUsername sets the bot's own username. Commands addressed to another bot,
// such as "/token@other_bot", are then treated as plain messages. With no
// username set every mention is accepted.
func (r *Router) SetUsername(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.username = strings.TrimPrefix(username, "@")
}

// Start implements Channel.
func (r *Router) Start(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = handler
}

// Command implements Channel.
func (r *Router) Command(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(name)] = handler
}

// OnMessage implements Channel.
func (r *Router) OnMessage(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Dispatch invokes the handler matching msg. Commands without a registered
// handler fall through to the message handler. Messages nobody handles are dropped.
func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	handler := r.handlerFor(msg.Text())
	if handler == nil {
		return nil
	}
	return handler(ctx, msg)
}

func (r *Router) handlerFor(text string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, mention, ok := ParseCommand(text); ok && r.addressedToUs(mention) {
		if name == startCommand && r.start != nil {
			return r.start
		}
		if handler, ok := r.commands[name]; ok {
			return handler
		}
	}
	return r.fallback
}

func (r *Router) addressedToUs(mention string) bool {
	return mention == "" || r.username == "" || strings.EqualFold(mention, r.username)
}

// ParseCommand extracts the command name and the optional bot mention from
// text such as "/revoke abc" or "/tokens@my_bot". Names are lower-cased.
func ParseCommand(text string) (name, mention string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", "", false
	}

	name = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name, mention = name[:at], name[at+1:]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), mention, true
}
