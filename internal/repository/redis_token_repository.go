package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/token-vending-machine/internal/domain"
)

const (
	fieldName       = "name"
	fieldOwnerID    = "owner_id"
	fieldCreatedAt  = "created_at"
	fieldLifetimeMs = "life_time_ms"
)

// RedisTokenRepository stores every token as a hash and indexes the values
// of each owner in a sorted set scored by creation time.
type RedisTokenRepository struct {
	client redis.UniversalClient
	prefix string
	clock  clockwork.Clock
}

// NewRedisTokenRepository returns a Redis-backed implementation. Keys are namespaced by prefix.
func NewRedisTokenRepository(client redis.UniversalClient, prefix string, clock clockwork.Clock) *RedisTokenRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisTokenRepository{client: client, prefix: prefix, clock: clock}
}

func (r *RedisTokenRepository) tokenKey(value string) string {
	return r.prefix + "token:" + value
}

func (r *RedisTokenRepository) ownerKey(ownerID string) string {
	return r.prefix + "owner:" + ownerID
}

func (r *RedisTokenRepository) Create(ctx context.Context, token NewToken) (*domain.Token, error) {
	created := domain.Token{
		Name:       token.Name,
		Value:      token.Value,
		OwnerID:    token.OwnerID,
		CreatedAt:  r.clock.Now().UnixMilli(),
		LifetimeMs: token.LifetimeMs,
	}

	key := r.tokenKey(created.Value)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateToken
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldName, created.Name,
				fieldOwnerID, created.OwnerID,
				fieldCreatedAt, created.CreatedAt,
				fieldLifetimeMs, created.LifetimeMs,
			)
			pipe.ZAdd(ctx, r.ownerKey(created.OwnerID), redis.Z{
				Score:  float64(created.CreatedAt),
				Member: created.Value,
			})
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			return nil, err
		}
		return nil, fmt.Errorf("store token: %w", err)
	}
	return &created, nil
}

func (r *RedisTokenRepository) FindByValue(ctx context.Context, value string) (*domain.Token, error) {
	fields, err := r.client.HGetAll(ctx, r.tokenKey(value)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}
	return decodeToken(value, fields)
}

func (r *RedisTokenRepository) FindByOwner(ctx context.Context, ownerID string) ([]domain.Token, error) {
	values, err := r.client.ZRange(ctx, r.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(values))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, value := range values {
			cmds[i] = pipe.HGetAll(ctx, r.tokenKey(value))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tokens := make([]domain.Token, 0, len(values))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index entry outlived its hash
			continue
		}
		token, err := decodeToken(values[i], fields)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	return tokens, nil
}

func (r *RedisTokenRepository) Revoke(ctx context.Context, value string) error {
	key := r.tokenKey(value)

	ownerID, err := r.client.HGet(ctx, key, fieldOwnerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, r.ownerKey(ownerID), value)
		return nil
	})
	return err
}

func decodeToken(value string, fields map[string]string) (*domain.Token, error) {
	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode %s of token: %w", fieldCreatedAt, err)
	}
	lifetime, err := strconv.ParseInt(fields[fieldLifetimeMs], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode %s of token: %w", fieldLifetimeMs, err)
	}

	return &domain.Token{
		Name:       fields[fieldName],
		Value:      value,
		OwnerID:    fields[fieldOwnerID],
		CreatedAt:  createdAt,
		LifetimeMs: lifetime,
	}, nil
}
