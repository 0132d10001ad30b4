package storage

import (
	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by SaveTransition when the stored status no
// longer matches the expected from-status. The losing writer must
// treat the transition as discarded.
var ErrConflict = errors.New("stale state transition")

// Store defines the persistence operations the engine relies on. The
// engine holds no authoritative state the store does not also hold.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error
	UpdateWorkflowResults(id int64, results models.Payload) error

	// Step graph operations
	SaveStep(s models.WorkflowStep) error
	GetStep(id string, workflowID int64) (models.WorkflowStep, error)
	UpdateStep(s models.WorkflowStep) error
	SaveStepDependency(d models.StepDependency) error
	// LoadGraph returns the workflow with Steps and Dependencies
	// populated.
	LoadGraph(workflowID int64) (models.Workflow, error)

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	UpdateTask(t models.Task) error
	ListTasks(workflowID *int64) ([]models.Task, error)
	SaveTaskDependency(d models.TaskDependency) error
	GetTaskDependencies(taskID string) ([]models.TaskDependency, error)
	// DeleteTask removes a task, its dependency edges and its nested
	// subtasks.
	DeleteTask(id string) error

	// SaveTransition applies a node status change guarded by the
	// expected from-status (compare-and-swap). It returns ErrConflict
	// when the stored status differs, in which case nothing is
	// written. Replaying an already-applied transition therefore
	// yields exactly one logical transition. Step ids are scoped to
	// their workflow, so workflowID must be set to address a step;
	// standalone task ids are global and resolve regardless.
	SaveTransition(nodeID string, workflowID *int64, from, to models.TaskStatus, payload models.Payload) error

	// Audit trail
	AppendAudit(e models.AuditEntry) error
	GetAudit(workflowID int64) ([]models.AuditEntry, error)
}
