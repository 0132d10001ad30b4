package service

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

// TaskService is the API surface for standalone tasks: units of work
// scheduled directly rather than through a workflow's step graph.
type TaskService struct {
	store  storage.Store
	engine *engine.Engine
	logger Logger
}

func NewTaskService(store storage.Store, eng *engine.Engine, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		engine: eng,
		logger: logger,
	}
}

// Tasks returns the task service bound to this workflow service's
// engine and store.
func (s *WorkflowService) Tasks() *TaskService {
	return NewTaskService(s.store, s.engine, s.logger)
}

// SubmitTask validates and schedules a standalone task. A missing id
// is generated. The task is persisted PENDING and picked up by the
// scheduler once its dependencies are satisfied.
func (ts *TaskService) SubmitTask(task *models.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	if err := ts.engine.SubmitTask(task); err != nil {
		ts.logger.Errorf("Failed to submit task %s: %v", task.ID, err)
		return "", err
	}
	return task.ID, nil
}

// AddDependency records that taskID depends on dependsOn. Cycles are
// rejected synchronously.
func (ts *TaskService) AddDependency(taskID, dependsOn string, kind models.DependencyKind, opts ...func(*models.TaskDependency)) error {
	if kind == "" {
		kind = models.CompletionDependency
	}
	d := models.TaskDependency{TaskID: taskID, DependsOn: dependsOn, Kind: kind}
	for _, opt := range opts {
		opt(&d)
	}
	if err := ts.engine.AddTaskDependency(d); err != nil {
		ts.logger.Errorf("Failed to add dependency %s -> %s: %v", taskID, dependsOn, err)
		return err
	}
	return nil
}

// Optional marks the dependency edge as optional: the dependent
// proceeds even if the upstream fails.
func Optional() func(*models.TaskDependency) {
	return func(d *models.TaskDependency) {
		d.Optional = true
	}
}

// WithCondition attaches a predicate expression to the dependency.
func WithCondition(expr string) func(*models.TaskDependency) {
	return func(d *models.TaskDependency) {
		d.Kind = models.ConditionalDependency
		d.Condition = expr
	}
}

// CancelTask cancels a live task.
func (ts *TaskService) CancelTask(taskID string) error {
	return ts.engine.CancelTask(taskID)
}

// GetTask returns the current view of a task.
func (ts *TaskService) GetTask(taskID string) (models.Task, error) {
	return ts.engine.GetTask(taskID)
}

// ListTasks returns tasks, optionally filtered to one workflow.
func (ts *TaskService) ListTasks(workflowID *int64) ([]models.Task, error) {
	return ts.store.ListTasks(workflowID)
}

// DeleteTask removes a terminal task with its dependency edges and
// nested subtasks.
func (ts *TaskService) DeleteTask(taskID string) (err error) {
	t, err := ts.engine.GetTask(taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s is %s; cancel it before deleting", taskID, t.Status)
	}
	if err := ts.engine.RemoveTask(taskID); err != nil {
		return err
	}
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for DeleteTask: %v", err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.DeleteTask(taskID); err != nil {
		ts.logger.Errorf("Failed to delete task %s: %v", taskID, err)
		return fmt.Errorf("failed to delete task %s: %v", taskID, err)
	}
	return nil
}
