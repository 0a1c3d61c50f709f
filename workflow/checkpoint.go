package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/supervisor"
)

// CheckpointVersion is the schema version written into every checkpoint.
const CheckpointVersion = 1

// CheckpointReason says why a checkpoint was written.
type CheckpointReason string

const (
	ReasonSuspend CheckpointReason = "suspend"
	ReasonAbort   CheckpointReason = "abort"
	ReasonArchive CheckpointReason = "archive"
)

// Checkpoint is everything needed to rebuild a workflow after a restart,
// given the same capability registry and executors.
type Checkpoint struct {
	Version    int                 `json:"version"`
	WorkflowID string              `json:"workflow_id"`
	State      WorkflowState       `json:"state"`
	Reason     CheckpointReason    `json:"reason"`
	Request    supervisor.Request  `json:"request"`
	Analysis   supervisor.Analysis `json:"analysis"`
	Graph      *Graph              `json:"graph"`
	Slots      map[string]any      `json:"slots"`
	Versions   map[string]int      `json:"versions,omitempty"`
	Writers    map[string]string   `json:"writers"`
	Written    map[string]string   `json:"written,omitempty"`
	History    []SlotChange        `json:"history,omitempty"`
	Errors     []ErrorRecord       `json:"errors,omitempty"`
	Outcomes   []Outcome           `json:"outcomes,omitempty"`
	Failure    *Failure            `json:"failure,omitempty"`
	Partial    bool                `json:"partial,omitempty"`
	Seq        uint64              `json:"seq"`
	CreatedAt  time.Time           `json:"created_at"`
	SavedAt    time.Time           `json:"saved_at"`
}

func (cp *Checkpoint) stateSnapshot() stateSnapshot {
	return stateSnapshot{
		Slots:    cp.Slots,
		Versions: cp.Versions,
		Owners:   cp.Writers,
		Written:  cp.Written,
		Changes:  cp.History,
		Errors:   cp.Errors,
	}
}

// MarshalCheckpoint encodes cp as JSON.
func MarshalCheckpoint(cp *Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, fmt.Errorf("nil checkpoint")
	}
	return json.Marshal(cp)
}

// UnmarshalCheckpoint decodes and sanity-checks a checkpoint.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported version %d", cp.WorkflowID, cp.Version)
	}
	if cp.WorkflowID == "" || cp.Graph == nil {
		return nil, fmt.Errorf("checkpoint is missing workflow id or graph")
	}
	return &cp, nil
}

// CheckpointStore persists checkpoints keyed by workflow id. Load returns an
// error matching ErrNotFound for unknown ids.
type CheckpointStore interface {
	Save(ctx context.Context, id string, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// CheckpointLister is implemented by stores that can enumerate their keys.
type CheckpointLister interface {
	List(ctx context.Context) ([]string, error)
}

// MemoryCheckpointStore keeps encoded checkpoints in a map, so loads never
// alias engine state.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{data: make(map[string][]byte)}
}

// Save stores cp under id, replacing any previous checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, id string, cp *Checkpoint) error {
	raw, err := MarshalCheckpoint(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[id] = raw
	s.mu.Unlock()
	return nil
}

// Load returns the checkpoint stored under id.
func (s *MemoryCheckpointStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	raw, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}
	return UnmarshalCheckpoint(raw)
}

// Delete removes the checkpoint stored under id. Missing ids are ignored.
func (s *MemoryCheckpointStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

// List returns stored ids.
func (s *MemoryCheckpointStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}
