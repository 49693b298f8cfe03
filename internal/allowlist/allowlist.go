package allowlist

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AllowedUsers answers whether a chat user may use the vending machine.
type AllowedUsers interface {
	Contains(ctx context.Context, userID string) bool
}

// Static is an allow list fixed at construction.
type Static struct {
	ids map[string]struct{}
}

// NewStatic builds an allow list from user identifiers. Blank entries are ignored.
func NewStatic(ids ...string) Static {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return Static{ids: set}
}

// Contains implements AllowedUsers.
func (s Static) Contains(_ context.Context, userID string) bool {
	_, ok := s.ids[userID]
	return ok
}

// Len returns the number of allowed users.
func (s Static) Len() int {
	return len(s.ids)
}

// Redis reads the allow list from a Redis set so it can change without a restart.
type Redis struct {
	client redis.UniversalClient
	key    string
	logger *zap.Logger
}

// NewRedis returns an allow list backed by the set stored under key.
func NewRedis(client redis.UniversalClient, key string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, key: key, logger: logger}
}

// Contains implements AllowedUsers. Lookup failures deny access.
func (r *Redis) Contains(ctx context.Context, userID string) bool {
	ok, err := r.client.SIsMember(ctx, r.key, userID).Result()
	if err != nil {
		r.logger.Error("allow list lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

// Add puts user identifiers on the allow list.
func (r *Redis) Add(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]any, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	return r.client.SAdd(ctx, r.key, members...).Err()
}

// Remove takes user identifiers off the allow list.
func (r *Redis) Remove(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]any, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	return r.client.SRem(ctx, r.key, members...).Err()
}
