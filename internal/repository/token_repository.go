package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/token-vending-machine/internal/domain"
)

var (
	// ErrTokenNotFound is returned by FindByValue when no token carries the value.
	ErrTokenNotFound = errors.New("token not found")
	// ErrDuplicateToken is returned when a token value is already stored.
	ErrDuplicateToken = errors.New("token value already exists")
)

const uniqueViolation = "23505"

// NewToken describes a token to be created. CreatedAt is assigned by the repository.
type NewToken struct {
	Name       string
	Value      string
	OwnerID    string
	LifetimeMs int64
}

// TokenRepository defines persistence access for issued tokens.
//
// FindByOwner returns tokens in creation order. Revoke is idempotent: revoking
// an absent value is not an error.
type TokenRepository interface {
	Create(ctx context.Context, token NewToken) (*domain.Token, error)
	FindByValue(ctx context.Context, value string) (*domain.Token, error)
	FindByOwner(ctx context.Context, ownerID string) ([]domain.Token, error)
	Revoke(ctx context.Context, value string) error
}

// PostgresTokenRepository stores tokens in the tokens table.
type PostgresTokenRepository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewPostgresTokenRepository returns a Postgres-backed implementation.
func NewPostgresTokenRepository(pool *pgxpool.Pool, clock clockwork.Clock) *PostgresTokenRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresTokenRepository{pool: pool, clock: clock}
}

func (r *PostgresTokenRepository) Create(ctx context.Context, token NewToken) (*domain.Token, error) {
	const query = `
        INSERT INTO tokens (name, token, created_at, life_time_ms, owner_id)
        VALUES ($1, $2, $3, $4, $5)`

	created := domain.Token{
		Name:       token.Name,
		Value:      token.Value,
		OwnerID:    token.OwnerID,
		CreatedAt:  r.clock.Now().UnixMilli(),
		LifetimeMs: token.LifetimeMs,
	}

	if _, err := r.pool.Exec(ctx, query,
		created.Name,
		created.Value,
		created.CreatedAt,
		created.LifetimeMs,
		created.OwnerID,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateToken
		}
		return nil, fmt.Errorf("insert token: %w", err)
	}
	return &created, nil
}

func (r *PostgresTokenRepository) FindByValue(ctx context.Context, value string) (*domain.Token, error) {
	const query = `
        SELECT name, token, owner_id, created_at, life_time_ms
        FROM tokens WHERE token=$1`

	token, err := scanToken(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

func (r *PostgresTokenRepository) FindByOwner(ctx context.Context, ownerID string) ([]domain.Token, error) {
	const query = `
        SELECT name, token, owner_id, created_at, life_time_ms
        FROM tokens WHERE owner_id=$1
        ORDER BY created_at, token`

	return r.list(ctx, query, ownerID)
}

// All returns every stored token regardless of owner.
func (r *PostgresTokenRepository) All(ctx context.Context) ([]domain.Token, error) {
	const query = `
        SELECT name, token, owner_id, created_at, life_time_ms
        FROM tokens ORDER BY created_at, token`

	return r.list(ctx, query)
}

func (r *PostgresTokenRepository) Revoke(ctx context.Context, value string) error {
	const query = `DELETE FROM tokens WHERE token=$1`

	_, err := r.pool.Exec(ctx, query, value)
	return err
}

func (r *PostgresTokenRepository) list(ctx context.Context, query string, args ...any) ([]domain.Token, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]domain.Token, 0)
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	return tokens, rows.Err()
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var token domain.Token
	if err := row.Scan(
		&token.Name,
		&token.Value,
		&token.OwnerID,
		&token.CreatedAt,
		&token.LifetimeMs,
	); err != nil {
		return nil, err
	}
	return &token, nil
}
