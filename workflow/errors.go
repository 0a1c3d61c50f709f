package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	ErrNotFound                = errors.New("not found")
	ErrNoPendingApproval       = fmt.Errorf("%w: no pending approval", ErrNotFound)
	ErrUnsatisfiableDependency = errors.New("unsatisfiable dependency")
	ErrStateConflict           = errors.New("state conflict")
	ErrWriteConflict           = fmt.Errorf("%w: write conflict", ErrStateConflict)
	ErrCyclicDependency        = errors.New("cyclic dependency")
	ErrUnknownStep             = errors.New("unknown step")
	ErrEmptyAnalysis           = errors.New("analysis has no steps")
	ErrExecution               = errors.New("execution failed")
	ErrTimeout                 = errors.New("timeout")
	ErrAborted                 = errors.New("aborted")
	ErrInvalidDecision         = errors.New("invalid decision")
	ErrAmbiguousDecision       = fmt.Errorf("%w: ambiguous target", ErrInvalidDecision)
	ErrAlreadyTerminal         = errors.New("workflow already terminal")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrInvalidPlan             = errors.New("invalid plan")
)

// BuildError reports which step (and slot, if any) made a graph unbuildable.
type BuildError struct {
	Step string
	Slot string
	Err  error
}

func (e *BuildError) Error() string {
	switch {
	case e.Slot != "":
		return fmt.Sprintf("build step %s: slot %s: %v", e.Step, e.Slot, e.Err)
	case e.Step != "":
		return fmt.Sprintf("build step %s: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("build: %v", e.Err)
	}
}

func (e *BuildError) Unwrap() error { return e.Err }

// Cause classifies why a node failed.
type Cause string

const (
	CauseExecutor           Cause = "executor"
	CauseTimeout            Cause = "timeout"
	CauseBackendUnavailable Cause = "backend_unavailable"
	CauseAborted            Cause = "aborted"
	CausePlan               Cause = "plan"
	CauseStateConflict      Cause = "state_conflict"
)

// ExecutionError wraps a step failure with the node it happened in. It matches
// both ErrExecution and its underlying error.
type ExecutionError struct {
	NodeID  string
	Step    string
	Attempt int
	Cause   Cause
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) attempt %d: %s: %v", e.NodeID, e.Step, e.Attempt, e.Cause, e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }

// StateConflictError is returned by SharedState.Merge when a node writes a
// slot it does not own or writes a slot twice.
type StateConflictError struct {
	NodeID string
	Slot   string
	Owner  string
	Reason string
}

func (e *StateConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("state conflict: node %s writing slot %s owned by %s: %s", e.NodeID, e.Slot, e.Owner, e.Reason)
	}
	return fmt.Sprintf("state conflict: node %s writing slot %s: %s", e.NodeID, e.Slot, e.Reason)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }
