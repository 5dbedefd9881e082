package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/budget"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisColdBackendSaveLoadDelete(t *testing.T) {
	client := setupTestRedis(t)
	backend, err := NewRedisColdBackendFromClient(client, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	item := &Item{ItemID: "cold-1", Tier: Cold, Content: "archived ticket context", TokenCount: 120}
	require.NoError(t, backend.Save(ctx, item))

	got, ok, err := backend.Load(ctx, "cold-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item.Content, got.Content)

	require.NoError(t, backend.Delete(ctx, "cold-1"))
	_, ok, err = backend.Load(ctx, "cold-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisColdBackendLoadMissingIsNotAnError(t *testing.T) {
	backend, err := NewRedisColdBackendFromClient(setupTestRedis(t), time.Hour)
	require.NoError(t, err)

	_, ok, err := backend.Load(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerColdBackendServesAfterInMemoryMiss(t *testing.T) {
	backend, err := NewRedisColdBackendFromClient(setupTestRedis(t), time.Hour)
	require.NoError(t, err)

	bm := budget.NewManager(1000, 3, 0.60, 0.80, nil, nil)
	m := NewManager(bm, ManagerConfig{}, nil)
	m.SetColdBackend(backend)

	item := &Item{ItemID: "cold-2", Tier: Cold, Content: "only in redis", TokenCount: 50}
	require.NoError(t, backend.Save(context.Background(), item))

	got, ok := m.GetCold(context.Background(), "cold-2")
	require.True(t, ok)
	require.Equal(t, "only in redis", got.Content)

	_, ok = m.GetCold(context.Background(), "missing")
	require.False(t, ok)
}
