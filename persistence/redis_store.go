package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/workflow"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCheckpointStore keeps checkpoints as string values and indexes their
// ids in a sorted set scored by save time.
type RedisCheckpointStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisCheckpointStore wraps an existing client. ttl of zero keeps
// checkpoints forever.
func NewRedisCheckpointStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisCheckpointStore {
	if keyPrefix == "" {
		keyPrefix = "taskflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "redis_checkpoint_store")),
	}
}

func (s *RedisCheckpointStore) dataKey(id string) string { return s.keyPrefix + "data:" + id }
func (s *RedisCheckpointStore) indexKey() string        { return s.keyPrefix + "index" }

// Ping checks the connection.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save stores cp and updates the index in one pipeline.
func (s *RedisCheckpointStore) Save(ctx context.Context, id string, cp *workflow.Checkpoint) error {
	if id == "" {
		return ErrInvalidInput
	}
	data, err := workflow.MarshalCheckpoint(cp)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(id), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	s.logger.Debug("checkpoint saved", zap.String("workflow_id", id), zap.Int("bytes", len(data)))
	return nil
}

// Load returns the checkpoint for id.
func (s *RedisCheckpointStore) Load(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: checkpoint %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return workflow.UnmarshalCheckpoint(data)
}

// Delete removes the checkpoint and its index entry.
func (s *RedisCheckpointStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// List returns ids oldest first. Entries whose data expired are pruned from
// the index.
func (s *RedisCheckpointStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.dataKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	live := ids[:0]
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.Warn("failed to prune checkpoint index", zap.Error(err))
		}
	}
	return live, nil
}

// Close closes the underlying client.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}
