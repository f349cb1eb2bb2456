package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macromate/server/internal/agent/model"
)

func sampleState() *model.PipelineState {
	q := 0.5
	return &model.PipelineState{
		ThreadID:  "thread-1",
		UserQuery: "Phở có tốt không?",
		Image:     &model.ImageRef{URL: "https://cdn.example.com/pho.jpg", Data: []byte{1, 2, 3}},
		HasImage:  true,
		Messages: []*schema.Message{
			schema.UserMessage("Phở có tốt không?"),
			schema.AssistantMessage("Phở khá cân bằng.", nil),
		},
		Totals:      &model.Nutrients{Calories: 420},
		DataQuality: q,
	}
}

// storeContract exercises the behaviour every StateStore shares.
func storeContract(t *testing.T, store model.StateStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Init(ctx), "init is idempotent")

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	in := sampleState()
	require.NoError(t, store.Put(ctx, in.ThreadID, in))

	got, err = store.Get(ctx, in.ThreadID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.HasImage)
	assert.Equal(t, "Phở có tốt không?", got.UserQuery)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, schema.Assistant, got.Messages[1].Role)
	assert.Equal(t, "Phở khá cân bằng.", got.Messages[1].Content)
	assert.Equal(t, 420.0, got.Totals.Calories)
	assert.Nil(t, got.Image.Data, "raw image bytes are not persisted")
	assert.Equal(t, []byte{1, 2, 3}, in.Image.Data)

	in.Messages = append(in.Messages, schema.UserMessage("còn bún chả?"))
	require.NoError(t, store.Put(ctx, in.ThreadID, in))
	got, err = store.Get(ctx, in.ThreadID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3, "put overwrites the whole checkpoint")

	require.NoError(t, store.Close())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb, "ai_service", time.Hour)
	storeContract(t, store)

	assert.True(t, mr.Exists("checkpoint:ai_service:thread-1"))
	assert.Equal(t, time.Hour, mr.TTL("checkpoint:ai_service:thread-1"))
	v, err := mr.Get("checkpoint:ai_service:__meta")
	require.NoError(t, err)
	assert.Equal(t, checkpointVersion, v)
}

func TestSQLiteStore(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"), "ai-service")
	assert.Equal(t, "ai_service_checkpoints", store.table)
	storeContract(t, store)

	_, err := store.Get(context.Background(), "thread-1")
	assert.Error(t, err, "closed store refuses reads")
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(8, time.Hour))
}

func TestOpenDurable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store, resumable, err := Open(context.Background(), model.CheckpointConfig{Backend: "redis", Namespace: "ai_service", TTL: time.Hour}, rdb)
	require.NoError(t, err)
	assert.True(t, resumable)
	assert.IsType(t, &RedisStore{}, store)

	store, resumable, err = Open(context.Background(), model.CheckpointConfig{Backend: "sqlite", Namespace: "ai_service", SQLitePath: filepath.Join(t.TempDir(), "c.db")}, nil)
	require.NoError(t, err)
	assert.True(t, resumable)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())
}

func TestOpenFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	store, resumable, err := Open(context.Background(), model.CheckpointConfig{Backend: "redis", Namespace: "ai_service", TTL: time.Hour}, rdb)
	require.NoError(t, err)
	assert.False(t, resumable)
	assert.IsType(t, &MemoryStore{}, store)

	store, resumable, err = Open(context.Background(), model.CheckpointConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "missing", "dir", "c.db")}, nil)
	require.NoError(t, err)
	assert.False(t, resumable)
	assert.IsType(t, &MemoryStore{}, store)

	store, resumable, err = Open(context.Background(), model.CheckpointConfig{Backend: "redis"}, nil)
	require.NoError(t, err)
	assert.False(t, resumable)
	assert.IsType(t, &MemoryStore{}, store)

	_, _, err = Open(context.Background(), model.CheckpointConfig{Backend: "postgres"}, nil)
	assert.Error(t, err)
}
