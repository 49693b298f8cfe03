package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/token-vending-machine/internal/allowlist"
	"github.com/spec-kit/token-vending-machine/internal/chat"
	"github.com/spec-kit/token-vending-machine/internal/domain"
	"github.com/spec-kit/token-vending-machine/internal/events"
	"github.com/spec-kit/token-vending-machine/internal/observability"
	"github.com/spec-kit/token-vending-machine/internal/repository"
	"github.com/spec-kit/token-vending-machine/internal/tokensource"
)

// Replies sent to chat users.
const (
	MsgWelcome      = "Welcome! Use /token to get a new API token."
	MsgAccessDenied = "Access denied."
	MsgQuotaReached = "You have reached the maximum number of tokens."
	MsgCreateFailed = "Error creating token. Please try again later."
	MsgNoTokens     = "No tokens found."
	MsgListFailed   = "Error getting tokens. Please try again later."
	MsgRevokeUsage  = "Usage: /revoke <token_value>\nExample: /revoke abc123def456"
	MsgRevokeFailed = "Error revoking token. Please try again later."
	MsgHelp         = "Use commands:\n/start - greeting\n/token - get a new API token\n/tokens - list all tokens\n/revoke <token> - revoke a token"
)

// Command names registered on the chat channel.
const (
	CommandStart   = "start"
	CommandToken   = "token"
	CommandTokens  = "tokens"
	CommandRevoke  = "revoke"
	CommandMessage = "message"
)

// Defaults applied to zero VendingOptions fields.
const (
	DefaultTokenLifetime    = 30 * 24 * time.Hour
	DefaultMaxTokensPerUser = 20
)

const expiryLayout = "2006-01-02 15:04:05 MST"

// VendingDependencies bundles the capabilities the vending machine consumes.
// Tokens, AllowedUsers and TokenSource are required.
type VendingDependencies struct {
	Tokens       repository.TokenRepository
	AllowedUsers allowlist.AllowedUsers
	TokenSource  tokensource.TokenSource
	Dispatcher   events.Dispatcher
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Clock        clockwork.Clock
}

// VendingOptions holds the issuance policy.
type VendingOptions struct {
	TokenLifetime    time.Duration
	MaxTokensPerUser int
	// Location is used to render expiry instants. Defaults to UTC.
	Location *time.Location
	// MaskValues hides the middle of token values in the /tokens listing.
	MaskValues bool
}

// VendingMachine issues, lists and revokes tokens for allowed chat users.
// It keeps no state of its own between commands.
type VendingMachine struct {
	tokens     repository.TokenRepository
	allowed    allowlist.AllowedUsers
	source     tokensource.TokenSource
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	clock      clockwork.Clock

	lifetime   time.Duration
	maxTokens  int
	location   *time.Location
	maskValues bool
}

// NewVendingMachine builds the vending machine and registers its handlers on channel.
func NewVendingMachine(channel chat.Channel, deps VendingDependencies, opts VendingOptions) (*VendingMachine, error) {
	switch {
	case channel == nil:
		return nil, errors.New("vending machine: chat channel is required")
	case deps.Tokens == nil:
		return nil, errors.New("vending machine: token repository is required")
	case deps.AllowedUsers == nil:
		return nil, errors.New("vending machine: allowed users are required")
	case deps.TokenSource == nil:
		return nil, errors.New("vending machine: token source is required")
	case opts.TokenLifetime < 0, opts.TokenLifetime > 0 && opts.TokenLifetime.Milliseconds() == 0:
		return nil, fmt.Errorf("vending machine: token lifetime must be at least 1ms, got %s", opts.TokenLifetime)
	case opts.MaxTokensPerUser < 0:
		return nil, fmt.Errorf("vending machine: max tokens per user must be positive, got %d", opts.MaxTokensPerUser)
	}

	m := &VendingMachine{
		tokens:     deps.Tokens,
		allowed:    deps.AllowedUsers,
		source:     deps.TokenSource,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      deps.Clock,
		lifetime:   opts.TokenLifetime,
		maxTokens:  opts.MaxTokensPerUser,
		location:   opts.Location,
		maskValues: opts.MaskValues,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.lifetime == 0 {
		m.lifetime = DefaultTokenLifetime
	}
	if m.maxTokens == 0 {
		m.maxTokens = DefaultMaxTokensPerUser
	}
	if m.location == nil {
		m.location = time.UTC
	}

	channel.Start(m.handleStart)
	channel.Command(CommandToken, m.handleToken)
	channel.Command(CommandTokens, m.handleTokens)
	channel.Command(CommandRevoke, m.handleRevoke)
	channel.OnMessage(m.handleMessage)

	return m, nil
}

func (m *VendingMachine) handleStart(ctx context.Context, msg chat.Message) error {
	if !m.allowed.Contains(ctx, msg.FromID()) {
		return m.deny(ctx, CommandStart, msg)
	}
	m.metrics.RecordCommand(CommandStart, observability.OutcomeOK)
	return msg.Reply(ctx, MsgWelcome)
}

// handleToken checks the quota before the allow list. A user removed from the
// allow list who still holds a full quota therefore sees the quota message.
func (m *VendingMachine) handleToken(ctx context.Context, msg chat.Message) error {
	userID := msg.FromID()

	existing, err := m.tokens.FindByOwner(ctx, userID)
	if err != nil {
		return m.fail(ctx, CommandToken, msg, MsgCreateFailed, err)
	}
	if len(existing) >= m.maxTokens {
		m.logger.Debug("token quota reached", zap.String("user_id", userID), zap.Int("tokens", len(existing)))
		m.metrics.RecordCommand(CommandToken, observability.OutcomeQuota)
		return msg.Reply(ctx, MsgQuotaReached)
	}

	if !m.allowed.Contains(ctx, userID) {
		return m.deny(ctx, CommandToken, msg)
	}

	token, err := m.issue(ctx, userID)
	if err != nil {
		return m.fail(ctx, CommandToken, msg, MsgCreateFailed, err)
	}

	m.logger.Info("token issued", zap.String("user_id", userID), zap.String("name", token.Name))
	m.metrics.RecordCommand(CommandToken, observability.OutcomeOK)
	m.publish(ctx, events.EventTokenIssued, userID, events.TokenIssuedPayload{
		Name:      token.Name,
		OwnerID:   token.OwnerID,
		ExpiresAt: token.ExpiresAt(),
	})

	reply := fmt.Sprintf("Your new API token:\n`%s`\n\nToken is valid until: %s", token.Value, m.formatExpiry(*token))
	return msg.Reply(ctx, reply, chat.WithMarkdown())
}

func (m *VendingMachine) issue(ctx context.Context, userID string) (*domain.Token, error) {
	value, err := m.source.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate token value: %w", err)
	}

	token, err := m.tokens.Create(ctx, repository.NewToken{
		Name:       fmt.Sprintf("%s-%d", userID, m.clock.Now().UnixMilli()),
		Value:      value,
		OwnerID:    userID,
		LifetimeMs: m.lifetime.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

func (m *VendingMachine) handleTokens(ctx context.Context, msg chat.Message) error {
	userID := msg.FromID()
	if !m.allowed.Contains(ctx, userID) {
		return m.deny(ctx, CommandTokens, msg)
	}

	tokens, err := m.tokens.FindByOwner(ctx, userID)
	if err != nil {
		return m.fail(ctx, CommandTokens, msg, MsgListFailed, err)
	}

	m.metrics.RecordCommand(CommandTokens, observability.OutcomeOK)
	if len(tokens) == 0 {
		return msg.Reply(ctx, MsgNoTokens)
	}

	now := m.clock.Now()
	entries := make([]string, len(tokens))
	for i, token := range tokens {
		status := "✅ Valid"
		if token.IsExpired(now) {
			status = "❌ Expired"
		}

		entries[i] = fmt.Sprintf("%d. **%s**\n   Token: `%s`\n   Status: %s\n   Expires: %s\n",
			i+1, token.Name, m.displayValue(token.Value), status, m.formatExpiry(token))
	}

	return msg.Reply(ctx, "**All tokens:**\n\n"+strings.Join(entries, "\n"), chat.WithMarkdown())
}

func (m *VendingMachine) handleRevoke(ctx context.Context, msg chat.Message) error {
	userID := msg.FromID()
	if !m.allowed.Contains(ctx, userID) {
		return m.deny(ctx, CommandRevoke, msg)
	}

	args := strings.Fields(msg.Text())
	if len(args) != 2 {
		m.metrics.RecordCommand(CommandRevoke, observability.OutcomeUsage)
		return msg.Reply(ctx, MsgRevokeUsage)
	}
	value := args[1]

	// Revoke does not check that the value exists or belongs to the caller.
	if err := m.tokens.Revoke(ctx, value); err != nil {
		return m.fail(ctx, CommandRevoke, msg, MsgRevokeFailed, err)
	}

	m.logger.Info("token revoked", zap.String("user_id", userID))
	m.metrics.RecordCommand(CommandRevoke, observability.OutcomeOK)
	m.publish(ctx, events.EventTokenRevoked, userID, events.TokenRevokedPayload{
		ValueHint: maskValue(value),
	})

	return msg.Reply(ctx, fmt.Sprintf("Token `%s` has been revoked.", value), chat.WithMarkdown())
}

func (m *VendingMachine) handleMessage(ctx context.Context, msg chat.Message) error {
	if !m.allowed.Contains(ctx, msg.FromID()) {
		return m.deny(ctx, CommandMessage, msg)
	}
	m.metrics.RecordCommand(CommandMessage, observability.OutcomeOK)
	return msg.Reply(ctx, MsgHelp)
}

// TokenStatus classifies value. It is not gated by the allow list. A missing
// token is NOT_FOUND; only storage failures return an error.
func (m *VendingMachine) TokenStatus(ctx context.Context, value string) (domain.TokenStatus, error) {
	token, err := m.tokens.FindByValue(ctx, value)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return domain.TokenStatusNotFound, nil
	}
	if err != nil {
		return domain.TokenStatusNotFound, fmt.Errorf("find token: %w", err)
	}
	return token.Status(m.clock.Now()), nil
}

func (m *VendingMachine) deny(ctx context.Context, command string, msg chat.Message) error {
	m.logger.Debug("access denied", zap.String("command", command), zap.String("user_id", msg.FromID()))
	m.metrics.RecordCommand(command, observability.OutcomeDenied)
	return msg.Reply(ctx, MsgAccessDenied)
}

func (m *VendingMachine) fail(ctx context.Context, command string, msg chat.Message, reply string, err error) error {
	m.logger.Error("command failed",
		zap.String("command", command),
		zap.String("user_id", msg.FromID()),
		zap.Error(err),
	)
	m.metrics.RecordCommand(command, observability.OutcomeBackendError)
	return msg.Reply(ctx, reply)
}

func (m *VendingMachine) publish(ctx context.Context, eventType events.EventType, actorID string, payload any) {
	if m.dispatcher == nil {
		return
	}
	event := events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ActorID:   actorID,
		Timestamp: m.clock.Now(),
		Payload:   payload,
	}
	if err := m.dispatcher.Publish(ctx, event); err != nil {
		m.logger.Warn("publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func (m *VendingMachine) formatExpiry(token domain.Token) string {
	return token.ExpiresAt().In(m.location).Format(expiryLayout)
}

func (m *VendingMachine) displayValue(value string) string {
	if !m.maskValues {
		return value
	}
	return maskValue(value)
}

func maskValue(value string) string {
	const visible = 4
	if len(value) <= 3*visible {
		return strings.Repeat("*", len(value))
	}
	return value[:visible] + "..." + value[len(value)-visible:]
}
