package engine

import (
	"fmt"

	"github.com/taskgrid/taskgrid/pkg/storage"
)

// ErrConflict mirrors the store's stale-transition error. Competing
// writers losing a transition race observe it and no-op.
var ErrConflict = storage.ErrConflict

// ErrNotFound mirrors the store's missing-record error.
var ErrNotFound = storage.ErrNotFound

// ValidationError rejects a malformed graph (cycle, missing reference,
// bad step config) at creation time. It is the only error surfaced
// synchronously to API callers; everything else drives the state
// machine through error_info.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// CycleError is returned by AddEdge when an insertion would close a
// cycle. The graph is left untouched.
type CycleError struct {
	From, To string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would create a cycle", e.From, e.To)
}

// RunnerError wraps a task runner failure; retryable per node policy.
type RunnerError struct {
	NodeID string
	Err    error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner: node %s: %v", e.NodeID, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// TimeoutError marks a node that exceeded its per-attempt timeout;
// retryable per node policy.
type TimeoutError struct {
	NodeID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: node %s exceeded its timeout", e.NodeID)
}

// DeadlineExceededError marks a node past its absolute deadline.
// Deadlines are a hard ceiling: the node is cancelled, never retried.
type DeadlineExceededError struct {
	NodeID string
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("deadline_exceeded: node %s is past its deadline", e.NodeID)
}

// Error tags recorded into a node's error_info so failure causes
// survive the in-memory error values.
const (
	errTagRunner   = "runner_error"
	errTagTimeout  = "timeout"
	errTagDeadline = "deadline_exceeded"
	errTagUpstream = "upstream_failed"
	errTagSkipped  = "skipped"
	errTagWorkflow = "workflow_timeout"
)
