package models

// TaskStatus is the lifecycle state shared by tasks and workflow steps.
type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	QueuedTaskStatus    TaskStatus = "QUEUED"
	RunningTaskStatus   TaskStatus = "RUNNING"
	PausedTaskStatus    TaskStatus = "PAUSED"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CancelledTaskStatus TaskStatus = "CANCELLED"
	RetryingTaskStatus  TaskStatus = "RETRYING"
)

// Terminal reports whether no further transitions may occur from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

type WorkflowStatus string

const (
	DraftWorkflowStatus     WorkflowStatus = "DRAFT"
	ReadyWorkflowStatus     WorkflowStatus = "READY"
	RunningWorkflowStatus   WorkflowStatus = "RUNNING"
	PausedWorkflowStatus    WorkflowStatus = "PAUSED"
	CompletedWorkflowStatus WorkflowStatus = "COMPLETED"
	FailedWorkflowStatus    WorkflowStatus = "FAILED"
	CancelledWorkflowStatus WorkflowStatus = "CANCELLED"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case CompletedWorkflowStatus, FailedWorkflowStatus, CancelledWorkflowStatus:
		return true
	}
	return false
}
