package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
)

const checkpointExt = ".json"

// FileCheckpointStore keeps one JSON file per workflow under a directory.
// Writes go to a temp file that is renamed into place, so a crash never
// leaves a torn checkpoint.
type FileCheckpointStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileCheckpointStore creates the directory if needed.
func NewFileCheckpointStore(dir string, logger *zap.Logger) (*FileCheckpointStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: file store needs a directory", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileCheckpointStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "file_checkpoint_store")),
	}, nil
}

func (s *FileCheckpointStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: bad workflow id %q", ErrInvalidInput, id)
	}
	return filepath.Join(s.dir, id+checkpointExt), nil
}

// Save writes cp atomically.
func (s *FileCheckpointStore) Save(_ context.Context, id string, cp *workflow.Checkpoint) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := workflow.MarshalCheckpoint(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync checkpoint %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit checkpoint %s: %w", id, err)
	}
	s.logger.Debug("checkpoint saved", zap.String("workflow_id", id), zap.Int("bytes", len(data)))
	return nil
}

// Load reads the checkpoint for id.
func (s *FileCheckpointStore) Load(_ context.Context, id string) (*workflow.Checkpoint, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: checkpoint %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	return workflow.UnmarshalCheckpoint(data)
}

// Delete removes the checkpoint for id. Missing files are ignored.
func (s *FileCheckpointStore) Delete(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// List returns the stored workflow ids in lexical order.
func (s *FileCheckpointStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), checkpointExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), checkpointExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (s *FileCheckpointStore) Close() error { return nil }
