package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/macromate/server/internal/agent/model"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

const checkpointVersion = "1"

// RedisStore keeps one JSON checkpoint per thread under a namespaced key.
type RedisStore struct {
	rdb       redis.Cmdable
	namespace string
	ttl       time.Duration
}

func NewRedisStore(rdb redis.Cmdable, namespace string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, namespace: namespace, ttl: ttl}
}

func (r *RedisStore) checkpointKey(threadID string) string {
	return fmt.Sprintf("checkpoint:%s:%s", r.namespace, threadID)
}

func (r *RedisStore) metaKey() string {
	return fmt.Sprintf("checkpoint:%s:__meta", r.namespace)
}

// Init checks connectivity and records the namespace version. Calling it again is harmless.
func (r *RedisStore) Init(ctx context.Context) error {
	if r.rdb == nil {
		return errors.New("redis client is nil")
	}
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		logx.Error().Err(err).Msg("checkpoint store ping failed")
		return errx.WrapRedis(err)
	}
	if err := r.rdb.SetNX(ctx, r.metaKey(), checkpointVersion, 0).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, threadID string) (*model.PipelineState, error) {
	key := r.checkpointKey(threadID)
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load checkpoint from redis")
		return nil, errx.WrapRedis(err)
	}

	var s model.PipelineState
	if err := json.Unmarshal(b, &s); err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to unmarshal checkpoint")
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &s, nil
}

// Put overwrites the thread's checkpoint in one SET, so readers never see a partial write.
func (r *RedisStore) Put(ctx context.Context, threadID string, state *model.PipelineState) error {
	b, err := json.Marshal(state.Checkpoint())
	if err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to marshal checkpoint")
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := r.checkpointKey(threadID)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to write checkpoint to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (r *RedisStore) Close() error { return nil }

var _ model.StateStore = (*RedisStore)(nil)
