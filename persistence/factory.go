package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/database"
	"github.com/BaSui01/taskflow/internal/tlsutil"
	"github.com/BaSui01/taskflow/workflow"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Common errors
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid store config")
)

// StoreType names a checkpoint backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// Store is a checkpoint store that can enumerate its keys and must be closed.
type Store interface {
	workflow.CheckpointStore
	workflow.CheckpointLister
	Close() error
}

type memoryStore struct {
	*workflow.MemoryCheckpointStore
}

func (memoryStore) Close() error { return nil }

// NewCheckpointStore creates the backend named by cfg.Type.
func NewCheckpointStore(cfg config.CheckpointConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch StoreType(strings.ToLower(cfg.Type)) {
	case StoreTypeMemory, "":
		return memoryStore{workflow.NewMemoryCheckpointStore()}, nil
	case StoreTypeFile:
		return NewFileCheckpointStore(cfg.BaseDir, logger)
	case StoreTypeRedis:
		opts := &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = tlsutil.ClientConfig(cfg.Redis.Addr)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return NewRedisCheckpointStore(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger), nil
	case StoreTypeSQL:
		pool, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLCheckpointStore(pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unsupported checkpoint store type: %s", ErrInvalidConfig, cfg.Type)
	}
}
