package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentstate/core"
)

// Interface compliance (compile-time assertion)
var _ core.SessionService = (*InMemoryService)(nil)

func TestInMemoryService_CreateGetDelete(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	v, ok := sess.GetState("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	// duplicate id fails, never overwrites
	_, err = svc.Create(ctx, "app", "alice", "s1", nil)
	require.ErrorIs(t, err, core.ErrAlreadyExists)

	got, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	require.NoError(t, svc.Delete(ctx, "app", "alice", "s1"))
	_, err = svc.Get(ctx, "app", "alice", "s1")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.ErrorIs(t, svc.Delete(ctx, "app", "alice", "s1"), core.ErrNotFound)
}

func TestInMemoryService_CreateGeneratesID(t *testing.T) {
	svc := NewInMemoryService(nil)
	sess, err := svc.Create(context.Background(), "app", "alice", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestInMemoryService_CreateDeleteCreateReusesID(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, "app", "alice", "s1", map[string]any{"gen": 1})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "app", "alice", first.ID))

	second, err := svc.Create(ctx, "app", "alice", "s1", map[string]any{"gen": 2})
	require.NoError(t, err)
	v, _ := second.GetState("gen")
	assert.Equal(t, 2, v, "recreated session must start fresh")
	assert.Equal(t, 1, second.EventCount(), "old event log must not resurface")
}

func TestInMemoryService_RejectsTempInInitialState(t *testing.T) {
	svc := NewInMemoryService(nil)
	_, err := svc.Create(context.Background(), "app", "alice", "", map[string]any{"temp:x": 1})
	require.Error(t, err)
}

func TestInMemoryService_SharedPartitionsVisibleAcrossSessions(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	s1, err := svc.Create(ctx, "app", "alice", "s1", nil)
	require.NoError(t, err)

	ev := core.NewStateEvent("inv-1", "agent", map[string]any{
		"user:tier": "pro",
		"app:motd":  "hello",
		"private":   1,
	})
	_, err = svc.AppendEvent(ctx, s1, ev)
	require.NoError(t, err)

	// another session of the same user sees user: and app: state
	s2, err := svc.Create(ctx, "app", "alice", "s2", nil)
	require.NoError(t, err)
	assert.Equal(t, "pro", s2.GetStateDefault("user:tier", nil))
	assert.Equal(t, "hello", s2.GetStateDefault("app:motd", nil))
	_, ok := s2.GetState("private")
	assert.False(t, ok, "session-scope state must not leak across sessions")

	// a different user of the same app sees only app: state
	other, err := svc.Create(ctx, "app", "bob", "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", other.GetStateDefault("app:motd", nil))
	_, ok = other.GetState("user:tier")
	assert.False(t, ok, "user-scope state must not leak across users")

	// a different app sees nothing
	foreign, err := svc.Create(ctx, "other-app", "alice", "s1", nil)
	require.NoError(t, err)
	_, ok = foreign.GetState("app:motd")
	assert.False(t, ok, "app-scope state must not leak across apps")
}

func TestInMemoryService_SharedStateSurvivesSessionDelete(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1", map[string]any{"user:plan": "max"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "app", "alice", sess.ID))

	fresh, err := svc.Create(ctx, "app", "alice", "s2", nil)
	require.NoError(t, err)
	assert.Equal(t, "max", fresh.GetStateDefault("user:plan", nil))
}

func TestInMemoryService_AppendAtomicOnBadDelta(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1", map[string]any{"base": 1})
	require.NoError(t, err)
	logLen := sess.EventCount()

	bad := core.NewStateEvent("inv-1", "agent", map[string]any{"ok": 1, "bad": make(chan int)})
	_, err = svc.AppendEvent(ctx, sess, bad)
	require.Error(t, err)
	var serr *core.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "bad", serr.Key)

	reloaded, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, logLen, reloaded.EventCount(), "failed append must not grow the log")
	_, ok := reloaded.GetState("ok")
	assert.False(t, ok, "no key of a failed delta may be applied")
}

func TestInMemoryService_AppendVisibleOnCallerSnapshot(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1", nil)
	require.NoError(t, err)

	ev := core.NewStateEvent("inv-1", "agent", map[string]any{"n": 1})
	applied, err := svc.AppendEvent(ctx, sess, ev)
	require.NoError(t, err)
	assert.NotEmpty(t, applied.ID)

	// both the caller's snapshot and a fresh Get observe the change
	assert.Equal(t, 1, sess.GetStateDefault("n", 0))
	fresh, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.GetStateDefault("n", 0))
	assert.Equal(t, sess.EventCount(), fresh.EventCount())
}

func TestInMemoryService_ConcurrentIncrementsAcrossHandles(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "app", "alice", "s1", map[string]any{"counter": 0})
	require.NoError(t, err)

	const workers = 16
	const perWorker = 10

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			sess, err := svc.Get(gctx, "app", "alice", "s1")
			if err != nil {
				return err
			}
			for i := 0; i < perWorker; i++ {
				if _, err := svc.AppendEventWith(gctx, sess, "inv-1", "agent", func(get func(string) (any, bool)) map[string]any {
					n := 0
					if v, ok := get("counter"); ok {
						n = v.(int)
					}
					return map[string]any{"counter": n + 1}
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	final, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, final.GetStateDefault("counter", 0), "no increment may be lost")
	assert.Equal(t, workers*perWorker+1, final.EventCount())
}

func TestInMemoryService_ConcurrentAppendsOnCanonicalRecord(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "alice", "s1", nil)
	require.NoError(t, err)

	const n = 32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			ev := core.NewStateEvent("inv-1", "agent", map[string]any{fmt.Sprintf("k%d", i): i})
			_, err := svc.AppendEvent(gctx, sess, ev)
			return err
		})
	}
	require.NoError(t, g.Wait())

	final, err := svc.Get(ctx, "app", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, n, final.EventCount())
	for i := 0; i < n; i++ {
		assert.Equal(t, i, final.GetStateDefault(fmt.Sprintf("k%d", i), nil))
	}
}

func TestInMemoryService_List(t *testing.T) {
	svc := NewInMemoryService(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, "app", "alice", fmt.Sprintf("s%d", i), nil)
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "app", "bob", "sx", nil)
	require.NoError(t, err)

	sessions, err := svc.List(ctx, "app", "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}
