package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstate/core"
)

var _ core.SessionService = (*RedisStore)(nil)

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultStoreConfig()
	cfg.Type = StoreTypeRedis
	cfg.Redis.Addr = mr.Addr()

	store, err := NewRedisStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_CreateGetDelete(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "app", "alice", "s1", map[string]any{
		"k":         "v",
		"user:tier": "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, "v", sess.GetStateDefault("k", nil))
	assert.Equal(t, "pro", sess.GetStateDefault("user:tier", nil))

	_, err = store.Create(ctx, "app", "alice", "s1", nil)
	require.ErrorIs(t, err, core.ErrAlreadyExists)

	got, err := store.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.GetStateDefault("k", nil))

	require.NoError(t, store.Delete(ctx, "app", "alice", "s1"))
	_, err = store.Get(ctx, "app", "alice", "s1")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "app", "alice", "s1"), core.ErrNotFound)
}

func TestRedisStore_AppendAndReload(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "app", "alice", "s1", nil)
	require.NoError(t, err)

	ev := core.NewUserMessageEvent(core.NewID(), "hello")
	ev.Actions.StateDelta = map[string]any{
		"note":       "kept",
		"user:plan":  "max",
		"temp:cache": "gone",
	}
	_, err = store.AppendEvent(ctx, sess, ev)
	require.NoError(t, err)

	// temp is visible on the live session but never persisted
	assert.Equal(t, "gone", sess.GetStateDefault("temp:cache", nil))

	reloaded, err := store.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "kept", reloaded.GetStateDefault("note", nil))
	assert.Equal(t, "max", reloaded.GetStateDefault("user:plan", nil))
	_, ok := reloaded.GetState("temp:cache")
	assert.False(t, ok, "temp entries must not survive persistence")
	require.Equal(t, 1, reloaded.EventCount())
	assert.Equal(t, "hello", reloaded.Events()[0].Content.Text(), "content must survive the JSON round trip")
}

func TestRedisStore_ReplayEquivalenceAfterReload(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "app", "alice", "s1", map[string]any{"seed": "x"})
	require.NoError(t, err)

	for _, delta := range []map[string]any{
		{"a": "1"},
		{"a": "2", "b": "y"},
	} {
		ev := core.NewStateEvent("inv-1", "agent", delta)
		_, err = store.AppendEvent(ctx, sess, ev)
		require.NoError(t, err)
	}

	reloaded, err := store.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, reloaded.Materialized(), reloaded.Replay(nil, nil),
		"persisted state must equal a replay of the persisted log")
}

func TestRedisStore_IsolationAcrossTenants(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "app", "alice", "s1", map[string]any{"user:secret": "a", "app:motd": "m"})
	require.NoError(t, err)

	bob, err := store.Create(ctx, "app", "bob", "s1", nil)
	require.NoError(t, err)
	_, ok := bob.GetState("user:secret")
	assert.False(t, ok, "user state must not cross users")
	assert.Equal(t, "m", bob.GetStateDefault("app:motd", nil))

	foreign, err := store.Create(ctx, "other", "alice", "s1", nil)
	require.NoError(t, err)
	_, ok = foreign.GetState("app:motd")
	assert.False(t, ok, "app state must not cross apps")
}

func TestRedisStore_List(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		_, err := store.Create(ctx, "app", "alice", id, nil)
		require.NoError(t, err)
	}
	_, err := store.Create(ctx, "app", "bob", "s3", nil)
	require.NoError(t, err)

	sessions, err := store.List(ctx, "app", "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRedisStore_AppendEventWithCounter(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "app", "alice", "s1", nil)
	require.NoError(t, err)

	const rounds = 5
	for i := 0; i < rounds; i++ {
		_, err := store.AppendEventWith(ctx, sess, "inv-1", "agent", func(get func(string) (any, bool)) map[string]any {
			n := 0.0
			if v, ok := get("counter"); ok {
				n = v.(float64) // numbers come back as float64 after the JSON round trip
			}
			return map[string]any{"counter": n + 1}
		})
		require.NoError(t, err)
	}

	reloaded, err := store.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, float64(rounds), reloaded.GetStateDefault("counter", 0.0))
}

func TestRedisStore_AppendAtomicOnBadDelta(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "app", "alice", "s1", nil)
	require.NoError(t, err)

	bad := core.NewStateEvent("inv-1", "agent", map[string]any{"ok": 1, "bad": make(chan int)})
	_, err = store.AppendEvent(ctx, sess, bad)
	require.Error(t, err)

	reloaded, err := store.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.EventCount())
	_, ok := reloaded.GetState("ok")
	assert.False(t, ok)
}
