package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/macromate/server/internal/agent/model"
	logx "github.com/macromate/server/pkg/logger"
)

// Checkpoint backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open initializes the configured checkpoint store. When the durable backend cannot be
// initialized it logs the degradation and returns an in-memory store with resumable
// set to false; only an unknown backend name is an error.
func Open(ctx context.Context, cfg model.CheckpointConfig, rdb redis.Cmdable) (store model.StateStore, resumable bool, err error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	var durable model.StateStore
	switch backend {
	case BackendRedis:
		if rdb != nil {
			durable = NewRedisStore(rdb, cfg.Namespace, cfg.TTL)
		}
	case BackendSQLite:
		durable = NewSQLiteStore(cfg.SQLitePath, cfg.Namespace)
	case BackendMemory, "":
	default:
		return nil, false, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}

	switch {
	case durable != nil:
		initErr := durable.Init(ctx)
		if initErr == nil {
			logx.Info().Str("backend", backend).Str("namespace", cfg.Namespace).Msg("checkpoint store ready")
			return durable, true, nil
		}
		logx.Warn().Err(initErr).Str("backend", backend).Msg("checkpoint store unavailable, conversations will not be resumable")
		_ = durable.Close()
	case backend == BackendRedis:
		logx.Warn().Str("backend", backend).Msg("redis is disabled, conversations will not be resumable")
	}

	mem := NewMemoryStore(cfg.MemorySize, cfg.TTL)
	_ = mem.Init(ctx)
	return mem, false, nil
}
