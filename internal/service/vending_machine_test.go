package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/token-vending-machine/internal/allowlist"
	"github.com/spec-kit/token-vending-machine/internal/chat/chattest"
	"github.com/spec-kit/token-vending-machine/internal/domain"
	"github.com/spec-kit/token-vending-machine/internal/events"
	"github.com/spec-kit/token-vending-machine/internal/observability"
	"github.com/spec-kit/token-vending-machine/internal/repository"
	"github.com/spec-kit/token-vending-machine/internal/tokensource"
)

var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	allowedUser = "1001"
	strangerID  = "2002"
)

type sequenceSource struct {
	mu     sync.Mutex
	values []string
	next   int
}

func (s *sequenceSource) Next(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next < len(s.values) {
		v := s.values[s.next]
		s.next++
		return v, nil
	}
	s.next++
	return fmt.Sprintf("value-%d", s.next), nil
}

type failingSource struct{}

func (failingSource) Next(context.Context) (string, error) {
	return "", errors.New("entropy exhausted")
}

type failingRepository struct {
	repository.TokenRepository

	createErr error
	findErr   error
	listErr   error
	revokeErr error
}

func (r failingRepository) Create(ctx context.Context, token repository.NewToken) (*domain.Token, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	return r.TokenRepository.Create(ctx, token)
}

func (r failingRepository) FindByValue(ctx context.Context, value string) (*domain.Token, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.TokenRepository.FindByValue(ctx, value)
}

func (r failingRepository) FindByOwner(ctx context.Context, ownerID string) ([]domain.Token, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.TokenRepository.FindByOwner(ctx, ownerID)
}

func (r failingRepository) Revoke(ctx context.Context, value string) error {
	if r.revokeErr != nil {
		return r.revokeErr
	}
	return r.TokenRepository.Revoke(ctx, value)
}

type fixture struct {
	channel    *chattest.Channel
	machine    *VendingMachine
	repo       *repository.MemoryTokenRepository
	clock      clockwork.FakeClock
	dispatcher events.Dispatcher
}

type fixtureOption func(*VendingDependencies, *VendingOptions)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(epoch)
	repo := repository.NewMemoryTokenRepository(clock)
	dispatcher := events.NewInMemoryDispatcher()
	channel := chattest.NewChannel()

	deps := VendingDependencies{
		Tokens:       repo,
		AllowedUsers: allowlist.NewStatic(allowedUser),
		TokenSource:  &sequenceSource{values: []string{"tok-a", "tok-b", "tok-c", "tok-d"}},
		Dispatcher:   dispatcher,
		Metrics:      observability.NewMetrics(),
		Clock:        clock,
	}
	options := VendingOptions{
		TokenLifetime:    time.Hour,
		MaxTokensPerUser: 3,
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	machine, err := NewVendingMachine(channel, deps, options)
	require.NoError(t, err)

	return &fixture{
		channel:    channel,
		machine:    machine,
		repo:       repo,
		clock:      clock,
		dispatcher: dispatcher,
	}
}

func (f *fixture) send(t *testing.T, userID, text string) []string {
	t.Helper()

	replies, err := f.channel.SimulateMessage(context.Background(), userID, text)
	require.NoError(t, err)
	return replies
}

func TestNewVendingMachine_RequiresCapabilities(t *testing.T) {
	repo := repository.NewMemoryTokenRepository(nil)
	allowed := allowlist.NewStatic(allowedUser)
	source := tokensource.UUID{}

	testCases := map[string]VendingDependencies{
		"tokens":  {AllowedUsers: allowed, TokenSource: source},
		"allowed": {Tokens: repo, TokenSource: source},
		"source":  {Tokens: repo, AllowedUsers: allowed},
	}

	for name, deps := range testCases {
		name, deps := name, deps

		t.Run(name, func(t *testing.T) {
			_, err := NewVendingMachine(chattest.NewChannel(), deps, VendingOptions{})
			assert.Error(t, err)
		})
	}

	_, err := NewVendingMachine(nil, VendingDependencies{Tokens: repo, AllowedUsers: allowed, TokenSource: source}, VendingOptions{})
	assert.Error(t, err)
}

func TestNewVendingMachine_TokenLifetime(t *testing.T) {
	deps := VendingDependencies{
		Tokens:       repository.NewMemoryTokenRepository(nil),
		AllowedUsers: allowlist.NewStatic(allowedUser),
		TokenSource:  tokensource.UUID{},
	}

	testCases := []struct {
		name     string
		lifetime time.Duration
		valid    bool
	}{
		{name: "default", lifetime: 0, valid: true},
		{name: "one millisecond", lifetime: time.Millisecond, valid: true},
		{name: "sub millisecond", lifetime: 999 * time.Microsecond},
		{name: "one nanosecond", lifetime: time.Nanosecond},
		{name: "negative", lifetime: -time.Minute},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewVendingMachine(chattest.NewChannel(), deps, VendingOptions{TokenLifetime: testCase.lifetime})
			if testCase.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestVendingMachine_Start(t *testing.T) {
	f := newFixture(t)

	ctx := context.Background()

	replies, err := f.channel.SimulateStart(ctx, allowedUser)
	require.NoError(t, err)
	assert.Equal(t, []string{MsgWelcome}, replies)

	replies, err = f.channel.SimulateStart(ctx, strangerID)
	require.NoError(t, err)
	assert.Equal(t, []string{MsgAccessDenied}, replies)
}

func TestVendingMachine_IssueToken(t *testing.T) {
	f := newFixture(t)

	replies, err := f.channel.Deliver(context.Background(), allowedUser, "/token")
	require.NoError(t, err)
	require.Len(t, replies, 1)

	assert.Equal(t, "Your new API token:\n`tok-a`\n\nToken is valid until: 2024-01-01 01:00:00 UTC", replies[0].Text)
	assert.True(t, replies[0].Markdown)

	token, err := f.repo.FindByValue(context.Background(), "tok-a")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s-%d", allowedUser, epoch.UnixMilli()), token.Name)
	assert.Equal(t, allowedUser, token.OwnerID)
	assert.Equal(t, epoch.UnixMilli(), token.CreatedAt)
	assert.Equal(t, time.Hour.Milliseconds(), token.LifetimeMs)
}

func TestVendingMachine_IssueToken_DisplayLocation(t *testing.T) {
	location := time.FixedZone("CET", 3600)
	f := newFixture(t, func(_ *VendingDependencies, o *VendingOptions) {
		o.Location = location
	})

	replies := f.send(t, allowedUser, "/token")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Token is valid until: 2024-01-01 02:00:00 CET")
}

func TestVendingMachine_Quota(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		replies := f.send(t, allowedUser, "/token")
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0], "Your new API token:")
		f.clock.Advance(time.Millisecond)
	}

	assert.Equal(t, []string{MsgQuotaReached}, f.send(t, allowedUser, "/token"))

	tokens, err := f.repo.FindByOwner(context.Background(), allowedUser)
	require.NoError(t, err)
	assert.Len(t, tokens, 3)

	// Expired tokens still count towards the quota.
	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{MsgQuotaReached}, f.send(t, allowedUser, "/token"))

	f.send(t, allowedUser, "/revoke tok-a")

	tokens, err = f.repo.FindByOwner(context.Background(), allowedUser)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	status, err := f.machine.TokenStatus(context.Background(), "tok-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusNotFound, status)

	replies := f.send(t, allowedUser, "/token")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "`tok-d`")
}

func TestVendingMachine_QuotaCheckedBeforeAllowList(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.repo.Put(domain.Token{
			Name:       fmt.Sprintf("seed-%d", i),
			Value:      fmt.Sprintf("seed-%d", i),
			OwnerID:    strangerID,
			CreatedAt:  epoch.UnixMilli(),
			LifetimeMs: time.Hour.Milliseconds(),
		})
	}

	assert.Equal(t, []string{MsgQuotaReached}, f.send(t, strangerID, "/token"))
}

func TestVendingMachine_UnauthorizedUsersCannotMutate(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(domain.Token{
		Name:       "existing",
		Value:      "existing-value",
		OwnerID:    allowedUser,
		CreatedAt:  epoch.UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})

	var published []events.EventType
	f.dispatcher.Subscribe(events.EventTokenIssued, func(_ context.Context, e events.Event) error {
		published = append(published, e.Type)
		return nil
	})
	f.dispatcher.Subscribe(events.EventTokenRevoked, func(_ context.Context, e events.Event) error {
		published = append(published, e.Type)
		return nil
	})

	testCases := []string{
		"/start",
		"/token",
		"/tokens",
		"/revoke existing-value",
		"/revoke",
		"hello",
	}

	for _, text := range testCases {
		text := text

		t.Run(text, func(t *testing.T) {
			assert.Equal(t, []string{MsgAccessDenied}, f.send(t, strangerID, text))
		})
	}

	all, err := f.repo.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "existing-value", all[0].Value)
	assert.Empty(t, published)
}

func TestVendingMachine_ListTokens(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{MsgNoTokens}, f.send(t, allowedUser, "/tokens"))

	f.repo.Put(domain.Token{
		Name:       "old",
		Value:      "old-value",
		OwnerID:    allowedUser,
		CreatedAt:  epoch.Add(-2 * time.Hour).UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})
	f.repo.Put(domain.Token{
		Name:       "fresh",
		Value:      "fresh-value",
		OwnerID:    allowedUser,
		CreatedAt:  epoch.UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})
	f.repo.Put(domain.Token{
		Name:       "foreign",
		Value:      "foreign-value",
		OwnerID:    strangerID,
		CreatedAt:  epoch.UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})

	replies, err := f.channel.Deliver(context.Background(), allowedUser, "/tokens")
	require.NoError(t, err)
	require.Len(t, replies, 1)

	expected := "**All tokens:**\n\n" +
		"1. **old**\n   Token: `old-value`\n   Status: ❌ Expired\n   Expires: 2023-12-31 23:00:00 UTC\n" +
		"\n" +
		"2. **fresh**\n   Token: `fresh-value`\n   Status: ✅ Valid\n   Expires: 2024-01-01 01:00:00 UTC\n"
	assert.Equal(t, expected, replies[0].Text)
	assert.True(t, replies[0].Markdown)
}

func TestVendingMachine_ListTokens_ExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(domain.Token{
		Name:       "edge",
		Value:      "edge-value",
		OwnerID:    allowedUser,
		CreatedAt:  epoch.UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})

	f.clock.Advance(time.Hour - time.Millisecond)
	replies := f.send(t, allowedUser, "/tokens")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Status: ✅ Valid")

	f.clock.Advance(time.Millisecond)
	replies = f.send(t, allowedUser, "/tokens")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Status: ❌ Expired")
}

func TestVendingMachine_ListTokens_MaskValues(t *testing.T) {
	f := newFixture(t, func(_ *VendingDependencies, o *VendingOptions) {
		o.MaskValues = true
	})
	f.repo.Put(domain.Token{
		Name:       "long",
		Value:      "abcd1234efgh5678",
		OwnerID:    allowedUser,
		CreatedAt:  epoch.UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})
	f.repo.Put(domain.Token{
		Name:       "short",
		Value:      "abc",
		OwnerID:    allowedUser,
		CreatedAt:  epoch.UnixMilli(),
		LifetimeMs: time.Hour.Milliseconds(),
	})

	replies := f.send(t, allowedUser, "/tokens")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Token: `abcd...5678`")
	assert.Contains(t, replies[0], "Token: `***`")
	assert.NotContains(t, replies[0], "abcd1234efgh5678")
}

func TestVendingMachine_Revoke(t *testing.T) {
	f := newFixture(t)
	f.send(t, allowedUser, "/token")

	replies, err := f.channel.Deliver(context.Background(), allowedUser, "/revoke tok-a")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Token `tok-a` has been revoked.", replies[0].Text)
	assert.True(t, replies[0].Markdown)

	_, err = f.repo.FindByValue(context.Background(), "tok-a")
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)

	// Unknown values and tokens owned by others are revoked without checks.
	assert.Equal(t, []string{"Token `missing` has been revoked."}, f.send(t, allowedUser, "/revoke missing"))

	f.repo.Put(domain.Token{Name: "other", Value: "other-value", OwnerID: strangerID, CreatedAt: epoch.UnixMilli(), LifetimeMs: 1})
	f.send(t, allowedUser, "/revoke other-value")
	_, err = f.repo.FindByValue(context.Background(), "other-value")
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)
}

func TestVendingMachine_RevokeUsage(t *testing.T) {
	f := newFixture(t)
	f.send(t, allowedUser, "/token")

	testCases := []string{
		"",
		"/revoke   ",
		"/revoke tok-a extra",
	}

	for _, text := range testCases {
		text := text

		t.Run(text, func(t *testing.T) {
			replies, err := f.channel.SimulateCommand(context.Background(), CommandRevoke, allowedUser, text)
			require.NoError(t, err)
			assert.Equal(t, []string{MsgRevokeUsage}, replies)
		})
	}

	_, err := f.repo.FindByValue(context.Background(), "tok-a")
	assert.NoError(t, err)
}

func TestVendingMachine_Message(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{MsgHelp}, f.send(t, allowedUser, "hello there"))
	assert.Equal(t, []string{MsgHelp}, f.send(t, allowedUser, "/unknown"))
	assert.Equal(t, []string{MsgAccessDenied}, f.send(t, strangerID, "hello there"))
}

func TestVendingMachine_BackendFailures(t *testing.T) {
	backendErr := errors.New("connection refused")

	testCases := []struct {
		name     string
		repo     func(repository.TokenRepository) repository.TokenRepository
		source   tokensource.TokenSource
		text     string
		expected string
	}{
		{
			name:     "create",
			repo:     func(r repository.TokenRepository) repository.TokenRepository { return failingRepository{TokenRepository: r, createErr: backendErr} },
			text:     "/token",
			expected: MsgCreateFailed,
		},
		{
			name:     "quota lookup",
			repo:     func(r repository.TokenRepository) repository.TokenRepository { return failingRepository{TokenRepository: r, listErr: backendErr} },
			text:     "/token",
			expected: MsgCreateFailed,
		},
		{
			name:     "token source",
			source:   failingSource{},
			text:     "/token",
			expected: MsgCreateFailed,
		},
		{
			name:     "list",
			repo:     func(r repository.TokenRepository) repository.TokenRepository { return failingRepository{TokenRepository: r, listErr: backendErr} },
			text:     "/tokens",
			expected: MsgListFailed,
		},
		{
			name:     "revoke",
			repo:     func(r repository.TokenRepository) repository.TokenRepository { return failingRepository{TokenRepository: r, revokeErr: backendErr} },
			text:     "/revoke tok-a",
			expected: MsgRevokeFailed,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			f := newFixture(t, func(d *VendingDependencies, _ *VendingOptions) {
				if testCase.repo != nil {
					d.Tokens = testCase.repo(d.Tokens)
				}
				if testCase.source != nil {
					d.TokenSource = testCase.source
				}
			})

			assert.Equal(t, []string{testCase.expected}, f.send(t, allowedUser, testCase.text))

			all, err := f.repo.All(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestVendingMachine_DuplicateValue(t *testing.T) {
	f := newFixture(t, func(d *VendingDependencies, _ *VendingOptions) {
		d.TokenSource = &sequenceSource{values: []string{"same", "same"}}
	})

	replies := f.send(t, allowedUser, "/token")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "`same`")

	assert.Equal(t, []string{MsgCreateFailed}, f.send(t, allowedUser, "/token"))
}

func TestVendingMachine_PublishesEvents(t *testing.T) {
	f := newFixture(t)

	var received []events.Event
	record := func(_ context.Context, e events.Event) error {
		received = append(received, e)
		return nil
	}
	f.dispatcher.Subscribe(events.EventTokenIssued, record)
	f.dispatcher.Subscribe(events.EventTokenRevoked, record)
	f.dispatcher.Subscribe(events.EventTokenRevoked, func(context.Context, events.Event) error {
		return errors.New("audit sink down")
	})

	f.send(t, allowedUser, "/token")
	assert.Equal(t, []string{"Token `tok-a` has been revoked."}, f.send(t, allowedUser, "/revoke tok-a"))

	require.Len(t, received, 2)

	assert.Equal(t, events.EventTokenIssued, received[0].Type)
	assert.Equal(t, allowedUser, received[0].ActorID)
	assert.NotEmpty(t, received[0].ID)
	assert.Equal(t, events.TokenIssuedPayload{
		Name:      fmt.Sprintf("%s-%d", allowedUser, epoch.UnixMilli()),
		OwnerID:   allowedUser,
		ExpiresAt: epoch.Add(time.Hour),
	}, received[0].Payload)

	assert.Equal(t, events.EventTokenRevoked, received[1].Type)
	assert.Equal(t, events.TokenRevokedPayload{ValueHint: "*****"}, received[1].Payload)
}

func TestVendingMachine_TokenStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, allowedUser, "/token")

	status, err := f.machine.TokenStatus(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusValid, status)

	f.clock.Advance(time.Hour - time.Millisecond)
	status, err = f.machine.TokenStatus(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusValid, status)

	f.clock.Advance(time.Millisecond)
	status, err = f.machine.TokenStatus(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusExpired, status)

	status, err = f.machine.TokenStatus(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusNotFound, status)

	f.send(t, allowedUser, "/revoke tok-a")
	status, err = f.machine.TokenStatus(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusNotFound, status)
}

func TestVendingMachine_TokenStatus_BackendError(t *testing.T) {
	backendErr := errors.New("timeout")
	f := newFixture(t, func(d *VendingDependencies, _ *VendingOptions) {
		d.Tokens = failingRepository{TokenRepository: d.Tokens, findErr: backendErr}
	})

	_, err := f.machine.TokenStatus(context.Background(), "tok-a")
	assert.ErrorIs(t, err, backendErr)
}
