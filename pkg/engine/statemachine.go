package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

// legalTransitions is the shared Task/WorkflowStep state machine.
// CANCELLED is additionally reachable from every non-terminal state.
var legalTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.PendingTaskStatus:  {models.QueuedTaskStatus},
	models.QueuedTaskStatus:   {models.RunningTaskStatus},
	models.RunningTaskStatus:  {models.CompletedTaskStatus, models.FailedTaskStatus, models.PausedTaskStatus},
	models.PausedTaskStatus:   {models.RunningTaskStatus},
	models.FailedTaskStatus:   {models.RetryingTaskStatus},
	models.RetryingTaskStatus: {models.QueuedTaskStatus},
}

// TransitionLegal reports whether from -> to is a valid move.
func TransitionLegal(from, to models.TaskStatus) bool {
	if to == models.CancelledTaskStatus {
		return !from.Terminal()
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transitioner is the single authority over node status and lifecycle
// timestamps. Every status write CASes through the store; when two
// writers race (executor completing vs. timeout manager force-failing)
// the first transition wins and the loser observes ErrConflict and
// no-ops. Callers must hold the owning graph's lock when passing the
// node's in-memory NodeMeta.
type Transitioner struct {
	store     storage.Store
	log       Logger
	metrics   *Metrics
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewTransitioner(store storage.Store, log Logger, metrics *Metrics, cfg Config) *Transitioner {
	return &Transitioner{
		store:     store,
		log:       log,
		metrics:   metrics,
		baseDelay: cfg.RetryBaseDelay,
		maxDelay:  cfg.RetryMaxDelay,
	}
}

// Move transitions node to the given status, applying set-once
// started_at/completed_at and appending an audit entry. payload, when
// non-nil, is persisted as the node's output. Returns ErrConflict when
// the in-memory state is stale against the store.
func (t *Transitioner) Move(nodeID string, workflowID *int64, node *models.NodeMeta, to models.TaskStatus, payload models.Payload, msg string) error {
	from := node.Status
	if from == to {
		return nil
	}
	if !TransitionLegal(from, to) {
		return errors.Errorf("illegal transition %s -> %s on node %s", from, to, nodeID)
	}
	if to == models.RetryingTaskStatus && !node.RetryBudgetLeft() {
		return errors.Errorf("node %s has no retry budget left", nodeID)
	}
	if err := t.store.SaveTransition(nodeID, workflowID, from, to, payload); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			t.log.Infof("Transition %s -> %s on node %s lost the race, discarding", from, to, nodeID)
			return ErrConflict
		}
		return errors.Wrapf(err, "transition %s -> %s on node %s", from, to, nodeID)
	}

	now := time.Now()
	node.Status = to
	node.UpdatedAt = now
	if payload != nil {
		node.OutputData = payload
	}
	switch {
	case to == models.QueuedTaskStatus && node.ScheduledAt == nil:
		node.ScheduledAt = &now
	case to == models.RunningTaskStatus && node.StartedAt == nil:
		// Set exactly once; re-entry via retry keeps the original.
		node.StartedAt = &now
	case to.Terminal() && node.CompletedAt == nil:
		node.CompletedAt = &now
	case to == models.RetryingTaskStatus:
		// delay = base * 2^retry_count, capped; counted before the
		// increment so the first retry waits the base delay.
		next := now.Add(backoff(t.baseDelay, t.maxDelay, node.RetryCount))
		node.RetryCount++
		node.NextRetryAt = &next
		// The FAILED that led here was not definitive; completed_at
		// belongs to the terminal outcome only.
		node.CompletedAt = nil
	}

	if err := t.store.AppendAudit(models.AuditEntry{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		FromStatus: from,
		ToStatus:   to,
		Message:    msg,
		LoggedAt:   now,
	}); err != nil {
		t.log.Errorf("Failed to append audit for node %s: %v", nodeID, err)
	}
	if t.metrics != nil {
		t.metrics.ObserveTransition(from, to)
	}
	return nil
}

// ResetForIteration re-arms a terminal loop-body node back to PENDING
// for the next loop iteration. This is the single sanctioned exception
// to terminal-is-terminal, scoped to loop bodies, and it is audited.
func (t *Transitioner) ResetForIteration(nodeID string, workflowID *int64, node *models.NodeMeta) error {
	from := node.Status
	if !from.Terminal() {
		return errors.Errorf("loop reset of non-terminal node %s (%s)", nodeID, from)
	}
	if err := t.store.SaveTransition(nodeID, workflowID, from, models.PendingTaskStatus, nil); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrConflict
		}
		return errors.Wrapf(err, "loop reset of node %s", nodeID)
	}
	now := time.Now()
	node.Status = models.PendingTaskStatus
	node.UpdatedAt = now
	node.StartedAt = nil
	node.CompletedAt = nil
	node.ScheduledAt = nil
	node.OutputData = nil
	node.ErrorInfo = ""
	node.RetryCount = 0
	node.NextRetryAt = nil
	if err := t.store.AppendAudit(models.AuditEntry{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		FromStatus: from,
		ToStatus:   models.PendingTaskStatus,
		Message:    "loop reset",
		LoggedAt:   now,
	}); err != nil {
		t.log.Errorf("Failed to append audit for node %s: %v", nodeID, err)
	}
	return nil
}
