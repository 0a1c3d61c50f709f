package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/internal/database"
	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// checkpointRecord is the row layout. The payload is the encoded checkpoint;
// state and reason are copied out for querying.
type checkpointRecord struct {
	WorkflowID string `gorm:"primaryKey;size:64"`
	State      string `gorm:"size:32;index"`
	Reason     string `gorm:"size:16"`
	Payload    []byte `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index"`
}

func (checkpointRecord) TableName() string { return "taskflow_checkpoints" }

// SQLCheckpointStore stores checkpoints in a relational table through gorm.
type SQLCheckpointStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewSQLCheckpointStore migrates the checkpoint table.
func NewSQLCheckpointStore(pool *database.PoolManager, logger *zap.Logger) (*SQLCheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil database pool", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLCheckpointStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "sql_checkpoint_store")),
	}, nil
}

// Save upserts the row for id.
func (s *SQLCheckpointStore) Save(ctx context.Context, id string, cp *workflow.Checkpoint) error {
	if id == "" {
		return ErrInvalidInput
	}
	data, err := workflow.MarshalCheckpoint(cp)
	if err != nil {
		return err
	}
	rec := checkpointRecord{
		WorkflowID: id,
		State:      string(cp.State),
		Reason:     string(cp.Reason),
		Payload:    data,
		CreatedAt:  cp.CreatedAt,
	}
	err = s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "reason", "payload", "updated_at"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	s.logger.Debug("checkpoint saved", zap.String("workflow_id", id), zap.String("state", rec.State))
	return nil
}

// Load returns the checkpoint for id.
func (s *SQLCheckpointStore) Load(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	var rec checkpointRecord
	err := s.pool.DB().WithContext(ctx).Where("workflow_id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: checkpoint %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return workflow.UnmarshalCheckpoint(rec.Payload)
}

// Delete removes the row for id.
func (s *SQLCheckpointStore) Delete(ctx context.Context, id string) error {
	err := s.pool.DB().WithContext(ctx).Where("workflow_id = ?", id).Delete(&checkpointRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// List returns ids ordered by last save.
func (s *SQLCheckpointStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.pool.DB().WithContext(ctx).Model(&checkpointRecord{}).
		Order("updated_at, workflow_id").Pluck("workflow_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

// ListByState returns ids of checkpoints in the given workflow state.
func (s *SQLCheckpointStore) ListByState(ctx context.Context, state workflow.WorkflowState) ([]string, error) {
	var ids []string
	err := s.pool.DB().WithContext(ctx).Model(&checkpointRecord{}).
		Where("state = ?", string(state)).Order("updated_at, workflow_id").Pluck("workflow_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints by state: %w", err)
	}
	return ids, nil
}

// Close closes the pool.
func (s *SQLCheckpointStore) Close() error {
	return s.pool.Close()
}
