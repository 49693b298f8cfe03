package repository

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/token-vending-machine/internal/domain"
)

// MemoryTokenRepository keeps tokens in process memory. The zero value is ready to use.
type MemoryTokenRepository struct {
	Clock clockwork.Clock

	tokens map[string]domain.Token
	order  []string

	initOnce sync.Once
	mu       sync.RWMutex
}

// NewMemoryTokenRepository returns an empty in-memory repository.
func NewMemoryTokenRepository(clock clockwork.Clock) *MemoryTokenRepository {
	return &MemoryTokenRepository{Clock: clock}
}

func (r *MemoryTokenRepository) init() {
	r.initOnce.Do(func() {
		if r.tokens == nil {
			r.tokens = make(map[string]domain.Token)
		}
		if r.Clock == nil {
			r.Clock = clockwork.NewRealClock()
		}
	})
}

func (r *MemoryTokenRepository) Create(_ context.Context, token NewToken) (*domain.Token, error) {
	r.init()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[token.Value]; exists {
		return nil, ErrDuplicateToken
	}

	created := domain.Token{
		Name:       token.Name,
		Value:      token.Value,
		OwnerID:    token.OwnerID,
		CreatedAt:  r.Clock.Now().UnixMilli(),
		LifetimeMs: token.LifetimeMs,
	}
	r.put(created)

	return &created, nil
}

// Put stores a fully formed token, replacing any token with the same value.
func (r *MemoryTokenRepository) Put(token domain.Token) {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(token)
}

func (r *MemoryTokenRepository) put(token domain.Token) {
	if _, exists := r.tokens[token.Value]; !exists {
		r.order = append(r.order, token.Value)
	}
	r.tokens[token.Value] = token
}

func (r *MemoryTokenRepository) FindByValue(_ context.Context, value string) (*domain.Token, error) {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &token, nil
}

func (r *MemoryTokenRepository) FindByOwner(_ context.Context, ownerID string) ([]domain.Token, error) {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]domain.Token, 0)
	for _, value := range r.order {
		if token := r.tokens[value]; token.OwnerID == ownerID {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// All returns every stored token in creation order.
func (r *MemoryTokenRepository) All(_ context.Context) ([]domain.Token, error) {
	r.init()
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]domain.Token, 0, len(r.order))
	for _, value := range r.order {
		tokens = append(tokens, r.tokens[value])
	}
	return tokens, nil
}

func (r *MemoryTokenRepository) Revoke(_ context.Context, value string) error {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[value]; !ok {
		return nil
	}
	delete(r.tokens, value)
	for i, v := range r.order {
		if v == value {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
