package session

import (
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// StoreType selects the storage backend.
type StoreType string

const (
	// StoreTypeMemory keeps sessions in process-local maps.
	StoreTypeMemory StoreType = "memory"
	// StoreTypeRedis persists sessions in Redis.
	StoreTypeRedis StoreType = "redis"
	// StoreTypeSQLite persists sessions in a SQLite database via GORM.
	StoreTypeSQLite StoreType = "sqlite"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// StoreConfig is the backend-independent configuration for session storage.
type StoreConfig struct {
	// Type is the storage backend type.
	Type StoreType `json:"type" yaml:"type"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// Redis configuration (only used when Type is "redis").
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// OpTimeout bounds every backing store operation. An operation that
	// exceeds it fails with core.ErrTimeout instead of blocking
	// indefinitely.
	OpTimeout time.Duration `json:"op_timeout" yaml:"-"`
}

// UnmarshalYAML implements custom unmarshaling so op_timeout accepts Go
// duration strings ("5s", "250ms").
func (c *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain StoreConfig
	aux := struct {
		plain     `yaml:",inline"`
		OpTimeout string `yaml:"op_timeout"`
	}{plain: plain(*c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*c = StoreConfig(aux.plain)
	if aux.OpTimeout != "" {
		d, err := time.ParseDuration(aux.OpTimeout)
		if err != nil {
			return fmt.Errorf("parse op_timeout: %w", err)
		}
		c.OpTimeout = d
	}
	return nil
}

// DefaultStoreConfig returns the in-memory backend with a 5s operation bound.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      StoreTypeMemory,
		OpTimeout: 5 * time.Second,
		Redis:     RedisConfig{Addr: "localhost:6379", PoolSize: 10, KeyPrefix: "agentstate:"},
	}
}

// LoadConfig reads a StoreConfig from a YAML file, applying defaults for
// unset fields.
func LoadConfig(path string) (StoreConfig, error) {
	cfg := DefaultStoreConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// New creates a SessionService for the configured backend.
func New(cfg StoreConfig, logger logging.Logger) (core.SessionService, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewInMemoryService(logger), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg, logger)
	case StoreTypeSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		return NewGormStore(db, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}
}
