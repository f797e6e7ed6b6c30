package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstate/core"
)

var _ core.MemoryService = (*SQLiteService)(nil)

func setupSQLiteService(t *testing.T) *SQLiteService {
	t.Helper()
	svc, err := NewSQLiteService(filepath.Join(t.TempDir(), "memory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestSQLiteService_IngestAndSearch(t *testing.T) {
	svc := setupSQLiteService(t)
	ctx := context.Background()

	sess := buildSession("work-app", "alice", "s1",
		"Project Alpha deadline is Friday",
		"Noted, I will remind you Thursday",
	)
	require.NoError(t, svc.AddSession(ctx, sess))

	hits, err := svc.Search(ctx, "work-app", "alice", "deadline", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "Alpha")
	assert.Equal(t, "s1", hits[0].SessionID)
	assert.NotEmpty(t, hits[0].ID)
	assert.Positive(t, hits[0].Score)
}

func TestSQLiteService_SearchScopedToUser(t *testing.T) {
	svc := setupSQLiteService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddSession(ctx, buildSession("app", "alice", "s1", "alice secret plan")))
	require.NoError(t, svc.AddSession(ctx, buildSession("app", "bob", "s1", "bob secret plan")))

	hits, err := svc.Search(ctx, "app", "alice", "secret plan", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "alice")
}

func TestSQLiteService_ReIngestReplaces(t *testing.T) {
	svc := setupSQLiteService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddSession(ctx, buildSession("app", "alice", "s1", "version one")))
	require.NoError(t, svc.AddSession(ctx, buildSession("app", "alice", "s1", "version two")))

	hits, err := svc.Search(ctx, "app", "alice", "version", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "re-ingest must replace earlier rows")
	assert.Contains(t, hits[0].Content, "two")
}

func TestSQLiteService_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")
	ctx := context.Background()

	first, err := NewSQLiteService(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.AddSession(ctx, buildSession("app", "alice", "s1", "durable fact")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteService(path, nil)
	require.NoError(t, err)
	defer second.Close()

	hits, err := second.Search(ctx, "app", "alice", "durable", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "durable fact")
}
