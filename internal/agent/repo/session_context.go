package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatbi-core/server/internal/agent/model"
	errx "github.com/chatbi-core/server/internal/core/error"
	logx "github.com/chatbi-core/server/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisSessionContextRepository stores the cross-turn fields of a session
// (verified entity mappings, last query context) as one JSON value.
type RedisSessionContextRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisSessionContextRepository(rdb redis.Cmdable, ttl time.Duration) *RedisSessionContextRepository {
	return &RedisSessionContextRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisSessionContextRepository) contextKey(sessionID string) string {
	return fmt.Sprintf("chatbi:session:%s:context", sessionID)
}

func (r *RedisSessionContextRepository) SaveContext(ctx context.Context, sessionID string, sc model.SessionContext) error {
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	key := r.contextKey(sessionID)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to save session context")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisSessionContextRepository) LoadContext(ctx context.Context, sessionID string) (*model.SessionContext, error) {
	key := r.contextKey(sessionID)
	s, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to load session context")
		return nil, errx.WrapRedis(err)
	}

	var sc model.SessionContext
	if err := json.Unmarshal([]byte(s), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal session context: %w", err)
	}
	if sc.VerifiedEntityMappings == nil {
		sc.VerifiedEntityMappings = map[string]string{}
	}
	return &sc, nil
}

func (r *RedisSessionContextRepository) DeleteContext(ctx context.Context, sessionID string) error {
	key := r.contextKey(sessionID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete session context")
		return errx.WrapRedis(err)
	}
	return nil
}

var _ model.SessionContextRepository = (*RedisSessionContextRepository)(nil)
