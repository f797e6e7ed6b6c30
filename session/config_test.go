package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
type: redis
op_timeout: 2s
redis:
  addr: redis.example:6379
  db: 3
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, StoreTypeRedis, cfg.Type)
	assert.Equal(t, "redis.example:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 2*time.Second, cfg.OpTimeout)
	// unset fields keep their defaults
	assert.Equal(t, "agentstate:", cfg.Redis.KeyPrefix)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNew_Factory(t *testing.T) {
	svc, err := New(DefaultStoreConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryService{}, svc)

	cfg := DefaultStoreConfig()
	cfg.Type = StoreTypeSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "sessions.db")
	svc, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, svc)

	cfg.Type = "bogus"
	_, err = New(cfg, nil)
	require.Error(t, err)
}
