package engine

import (
	"fmt"
	"time"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// backoff returns base * 2^attempt capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// RetryManager owns backoff scheduling, per-attempt timeout
// enforcement and deadline enforcement for nodes. It is driven from
// the scheduler tick; every status change goes through the
// transitioner, so a node completing at the instant its timeout fires
// resolves to a single winner.
type RetryManager struct {
	trans *Transitioner
	log   Logger
}

func NewRetryManager(trans *Transitioner, log Logger) *RetryManager {
	return &RetryManager{trans: trans, log: log}
}

// Scan drives one node through the retry/timeout/deadline rules at
// time now. retryAllowed additionally gates retries (the owning
// workflow's retry_failed_steps flag); inFlight marks nodes whose
// attempt is currently owned by a worker, which enforces the attempt
// timeout itself through its context. Scan reports whether the node
// changed state.
func (rm *RetryManager) Scan(nodeID string, workflowID *int64, node *models.NodeMeta, now time.Time, retryAllowed, inFlight bool) bool {
	// Deadlines are a hard ceiling regardless of status: past the
	// deadline the node is cancelled, never retried.
	if node.Deadline != nil && now.After(*node.Deadline) && !node.Status.Terminal() {
		node.ErrorInfo = errTagDeadline
		err := rm.trans.Move(nodeID, workflowID, node, models.CancelledTaskStatus, nil,
			(&DeadlineExceededError{NodeID: nodeID}).Error())
		return err == nil
	}

	switch node.Status {
	case models.RunningTaskStatus:
		// Overdue detection: force-fail a running node that outlived
		// its timeout. In-flight worker attempts enforce their own
		// context deadline; the scan covers nodes stuck RUNNING
		// without a worker owning them.
		if !inFlight && node.Timeout != nil && node.StartedAt != nil && now.Sub(*node.StartedAt) > *node.Timeout {
			node.ErrorInfo = errTagTimeout
			err := rm.trans.Move(nodeID, workflowID, node, models.FailedTaskStatus, nil,
				(&TimeoutError{NodeID: nodeID}).Error())
			return err == nil
		}
	case models.FailedTaskStatus:
		if retryAllowed && node.RetryBudgetLeft() {
			err := rm.trans.Move(nodeID, workflowID, node, models.RetryingTaskStatus, nil,
				fmt.Sprintf("retry %d/%d scheduled", node.RetryCount+1, node.MaxRetries))
			return err == nil
		}
	case models.RetryingTaskStatus:
		if node.NextRetryAt == nil || !now.Before(*node.NextRetryAt) {
			err := rm.trans.Move(nodeID, workflowID, node, models.QueuedTaskStatus, nil, "backoff elapsed")
			return err == nil
		}
	}
	return false
}
