package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/supervisor"
)

// ChangeSource says who wrote a slot.
type ChangeSource string

const (
	SourceNode     ChangeSource = "node"
	SourceApprover ChangeSource = "approver"
)

// SlotChange is one entry of the slot change history.
type SlotChange struct {
	Slot    string       `json:"slot"`
	NodeID  string       `json:"node_id"`
	Version int          `json:"version"`
	Source  ChangeSource `json:"source"`
	At      time.Time    `json:"at"`
}

// ErrorRecord is one entry of the error history.
type ErrorRecord struct {
	NodeID  string    `json:"node_id"`
	Step    string    `json:"step"`
	Attempt int       `json:"attempt"`
	Cause   Cause     `json:"cause"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SharedState is the per-workflow data store. Request and analysis are
// read-only context; slots hold step outputs. Every slot has exactly one
// writer node, which may write it once. Merges are serialized by one lock and
// applied atomically.
type SharedState struct {
	mu       sync.RWMutex
	request  supervisor.Request
	analysis supervisor.Analysis
	slots    map[string]any
	versions map[string]int
	owners   map[string]string
	written  map[string]string
	changes  []SlotChange
	errors   []ErrorRecord
	now      func() time.Time
}

// NewSharedState creates the state for one workflow. owners is the graph's
// ownership table; initial pre-populates slots (for example from a prior
// session).
func NewSharedState(req supervisor.Request, analysis supervisor.Analysis, owners map[string]string, initial map[string]any) (*SharedState, error) {
	s := &SharedState{
		request:  req,
		analysis: analysis,
		slots:    make(map[string]any),
		versions: make(map[string]int),
		owners:   make(map[string]string, len(owners)),
		written:  make(map[string]string),
		now:      time.Now,
	}
	for slot, owner := range owners {
		s.owners[slot] = owner
	}
	for slot, v := range initial {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("initial slot %s: %w", slot, err)
		}
		s.slots[slot] = nv
		s.versions[slot] = 1
	}
	return s, nil
}

// Request returns the workflow request.
func (s *SharedState) Request() supervisor.Request { return s.request }

// Analysis returns the workflow analysis.
func (s *SharedState) Analysis() supervisor.Analysis { return s.analysis }

// Has reports whether slot holds a value.
func (s *SharedState) Has(slot string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[slot]
	return ok
}

// Version returns how many times slot was written, 0 if never.
func (s *SharedState) Version(slot string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[slot]
}

// Slots returns the names of populated slots, sorted.
func (s *SharedState) Slots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.slots))
	for k := range s.slots {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot deep-copies every slot.
func (s *SharedState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.slots)
}

// View returns a read-only copy of the given input slots plus the request
// and analysis. Missing slots are simply absent.
func (s *SharedState) View(inputs []string) StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := make(map[string]any, len(inputs))
	for _, slot := range inputs {
		if v, ok := s.slots[slot]; ok {
			slots[slot] = deepCopy(v)
		}
	}
	return StateView{Request: s.request, Analysis: s.analysis, slots: slots}
}

// Merge applies a node's update. Every key must be a slot owned by nodeID
// that has not been written yet; otherwise nothing is applied and a
// *StateConflictError is returned.
func (s *SharedState) Merge(nodeID string, update Update) error {
	normalized := make(map[string]any, len(update))
	for slot, v := range update {
		nv, err := normalize(v)
		if err != nil {
			return fmt.Errorf("node %s: slot %s: %w", nodeID, slot, err)
		}
		normalized[slot] = nv
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(normalized))
	for slot := range normalized {
		keys = append(keys, slot)
	}
	sort.Strings(keys)

	for _, slot := range keys {
		owner, ok := s.owners[slot]
		switch {
		case capability.IsContextRoot(slot):
			return &StateConflictError{NodeID: nodeID, Slot: slot, Reason: "context is read-only"}
		case !ok:
			return &StateConflictError{NodeID: nodeID, Slot: slot, Reason: "slot has no writer in this graph"}
		case owner != nodeID:
			return &StateConflictError{NodeID: nodeID, Slot: slot, Owner: owner, Reason: "not the owner"}
		}
		if w, done := s.written[slot]; done {
			return &StateConflictError{NodeID: nodeID, Slot: slot, Owner: owner, Reason: "already written by " + w}
		}
	}

	now := s.now()
	for _, slot := range keys {
		s.slots[slot] = normalized[slot]
		s.versions[slot]++
		s.written[slot] = nodeID
		s.changes = append(s.changes, SlotChange{Slot: slot, NodeID: nodeID, Version: s.versions[slot], Source: SourceNode, At: now})
	}
	return nil
}

// Override replaces a slot on behalf of an approver. It is recorded in the
// change history and does not count as the owner's write.
func (s *SharedState) Override(nodeID, slot string, payload any) error {
	nv, err := normalize(payload)
	if err != nil {
		return fmt.Errorf("%w: slot %s: %v", ErrInvalidDecision, slot, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[slot] = nv
	s.versions[slot]++
	s.changes = append(s.changes, SlotChange{Slot: slot, NodeID: nodeID, Version: s.versions[slot], Source: SourceApprover, At: s.now()})
	return nil
}

// RecordError appends to the error history.
func (s *SharedState) RecordError(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	s.errors = append(s.errors, rec)
}

// Changes returns the slot change history.
func (s *SharedState) Changes() []SlotChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.changes)
}

// Errors returns the error history.
func (s *SharedState) Errors() []ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.errors)
}

// stateSnapshot is the serializable form of SharedState.
type stateSnapshot struct {
	Slots    map[string]any    `json:"slots"`
	Versions map[string]int    `json:"versions,omitempty"`
	Owners   map[string]string `json:"owners"`
	Written  map[string]string `json:"written,omitempty"`
	Changes  []SlotChange      `json:"changes,omitempty"`
	Errors   []ErrorRecord     `json:"errors,omitempty"`
}

func (s *SharedState) snapshot() stateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := stateSnapshot{
		Slots:    deepCopyMap(s.slots),
		Versions: make(map[string]int, len(s.versions)),
		Owners:   make(map[string]string, len(s.owners)),
		Written:  make(map[string]string, len(s.written)),
		Changes:  slices.Clone(s.changes),
		Errors:   slices.Clone(s.errors),
	}
	for k, v := range s.versions {
		snap.Versions[k] = v
	}
	for k, v := range s.owners {
		snap.Owners[k] = v
	}
	for k, v := range s.written {
		snap.Written[k] = v
	}
	return snap
}

func restoreSharedState(req supervisor.Request, analysis supervisor.Analysis, snap stateSnapshot) *SharedState {
	s := &SharedState{
		request:  req,
		analysis: analysis,
		slots:    deepCopyMap(snap.Slots),
		versions: make(map[string]int),
		owners:   make(map[string]string),
		written:  make(map[string]string),
		changes:  slices.Clone(snap.Changes),
		errors:   slices.Clone(snap.Errors),
		now:      time.Now,
	}
	if s.slots == nil {
		s.slots = make(map[string]any)
	}
	for k, v := range snap.Versions {
		s.versions[k] = v
	}
	for k, v := range snap.Owners {
		s.owners[k] = v
	}
	for k, v := range snap.Written {
		s.written[k] = v
	}
	return s
}

// StateView is the read-only input a step executor receives. It holds copies
// of the declared input slots only.
type StateView struct {
	Request  supervisor.Request
	Analysis supervisor.Analysis
	// NodeID and Attempt identify the dispatch.
	NodeID  string
	Attempt int

	slots map[string]any
}

// NewStateView builds a view directly, for executor tests.
func NewStateView(req supervisor.Request, analysis supervisor.Analysis, slots map[string]any) StateView {
	v := StateView{Request: req, Analysis: analysis, slots: make(map[string]any, len(slots))}
	for k, val := range slots {
		nv, err := normalize(val)
		if err != nil {
			nv = val
		}
		v.slots[k] = nv
	}
	return v
}

// Get returns a copy of slot.
func (v StateView) Get(slot string) (any, bool) {
	val, ok := v.slots[slot]
	if !ok {
		return nil, false
	}
	return deepCopy(val), true
}

// Has reports whether slot is present in the view.
func (v StateView) Has(slot string) bool {
	_, ok := v.slots[slot]
	return ok
}

// Decode unmarshals slot into out.
func (v StateView) Decode(slot string, out any) error {
	val, ok := v.slots[slot]
	if !ok {
		return fmt.Errorf("%w: slot %s", ErrNotFound, slot)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Slots returns the names of slots present in the view, sorted.
func (v StateView) Slots() []string {
	out := make([]string, 0, len(v.slots))
	for k := range v.slots {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// vars returns the variables visible to an approval condition.
func (v StateView) vars(extra map[string]any) map[string]any {
	vars := make(map[string]any, len(v.slots)+len(extra)+2)
	for k, val := range v.slots {
		vars[k] = val
	}
	for k, val := range extra {
		vars[k] = val
	}
	if req, err := normalize(v.Request); err == nil {
		vars[capability.RootRequest] = req
	}
	if a, err := normalize(v.Analysis); err == nil {
		vars[capability.RootAnalysis] = a
	}
	return vars
}

// normalize round-trips v through JSON so stored payloads are plain
// maps, slices, strings, float64s and bools.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload is not serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// deepCopy copies a normalized payload.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return t
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}
