package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

// Logger defines the logging interface for WorkflowService.
type Logger = engine.Logger

// WorkflowOption customizes a workflow at creation time.
type WorkflowOption func(*models.Workflow)

// WithMaxParallelSteps caps the number of concurrently running steps.
func WithMaxParallelSteps(n int) WorkflowOption {
	return func(w *models.Workflow) {
		w.MaxParallelSteps = n
	}
}

// WithWorkflowTimeout sets the wall-clock ceiling for the whole run.
func WithWorkflowTimeout(d time.Duration) WorkflowOption {
	return func(w *models.Workflow) {
		w.Timeout = &d
	}
}

// WithContext seeds the workflow context handed to predicate
// evaluation.
func WithContext(ctx models.Payload) WorkflowOption {
	return func(w *models.Workflow) {
		w.Context = ctx
	}
}

// WithoutStepRetries disables automatic retries of failed steps;
// failures become definitive immediately.
func WithoutStepRetries() WorkflowOption {
	return func(w *models.Workflow) {
		w.RetryFailedSteps = false
	}
}

// WorkflowService is the public API surface: it validates and persists
// workflow definitions and delegates execution to the engine. A
// workflow definition is created as DRAFT, promoted to READY once its
// step graph validates, and run by the engine from there.
type WorkflowService struct {
	store  storage.Store
	ctx    context.Context
	logger Logger
	engine *engine.Engine
}

// NewWorkflowService constructs a service with the default engine
// configuration and the built-in predicate evaluator, and starts the
// scheduler.
func NewWorkflowService(ctx context.Context, store storage.Store, logger Logger) *WorkflowService {
	return NewWorkflowServiceWithConfig(ctx, store, logger, engine.DefaultConfig(), nil, nil)
}

// NewWorkflowServiceWithConfig constructs a service with explicit
// engine configuration. eval may be nil for the built-in evaluator,
// reg may be nil for a private metrics registry.
func NewWorkflowServiceWithConfig(ctx context.Context, store storage.Store, logger Logger, cfg engine.Config, eval engine.PredicateEvaluator, reg prometheus.Registerer) *WorkflowService {
	if eval == nil {
		eval = DefaultEvaluator()
	}
	eng := engine.New(store, logger, eval, cfg, reg)
	if err := eng.Start(ctx); err != nil {
		logger.Errorf("Failed to start engine: %v", err)
	}
	return &WorkflowService{
		store:  store,
		ctx:    ctx,
		logger: logger,
		engine: eng,
	}
}

// Engine exposes the underlying engine for callers that need the
// webhook hub or direct scheduler access.
func (s *WorkflowService) Engine() *engine.Engine {
	return s.engine
}

// Stop shuts the scheduler down, waiting for in-flight work to drain.
func (s *WorkflowService) Stop() {
	s.engine.Stop()
}

// RegisterTask registers the runner executing leaf steps and tasks of
// the given task type.
func (s *WorkflowService) RegisterTask(taskType string, runner engine.TaskRunner) error {
	if err := s.engine.RegisterRunner(taskType, runner); err != nil {
		return err
	}
	s.logger.Infof("Registered task type '%s'", taskType)
	return nil
}

// CreateWorkflow validates and persists a workflow definition. A
// definition with no steps stays DRAFT; one whose step graph validates
// is promoted to READY. Graph problems surface synchronously as
// *engine.ValidationError or *engine.CycleError; nothing is persisted
// in that case. Failed steps are retried by default.
func (s *WorkflowService) CreateWorkflow(name string, steps []models.WorkflowStep, deps []models.StepDependency, opts ...WorkflowOption) (id int64, err error) {
	if name == "" {
		return 0, errors.New("workflow name cannot be empty")
	}
	if len(name) > 100 {
		return 0, errors.New("workflow name too long (max 100 characters)")
	}

	wf := models.Workflow{
		Name:             name,
		Version:          1,
		Status:           models.DraftWorkflowStatus,
		RetryFailedSteps: true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	for _, opt := range opts {
		opt(&wf)
	}

	if len(steps) > 0 {
		if err := engine.ValidateGraph(steps, deps, s.engine.Evaluator()); err != nil {
			return 0, err
		}
		wf.Status = models.ReadyWorkflowStatus
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	id, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return 0, err
	}
	for i := range steps {
		step := steps[i]
		step.WorkflowID = id
		if step.Status == "" {
			step.Status = models.PendingTaskStatus
		}
		step.CreatedAt = wf.CreatedAt
		step.UpdatedAt = wf.CreatedAt
		if err = txStore.SaveStep(step); err != nil {
			return 0, errors.Wrapf(err, "save step %s", step.ID)
		}
	}
	for _, d := range deps {
		d.WorkflowID = id
		if d.Kind == "" {
			d.Kind = models.CompletionDependency
		}
		if err = txStore.SaveStepDependency(d); err != nil {
			return 0, errors.Wrapf(err, "save dependency %s -> %s", d.StepID, d.DependsOn)
		}
	}
	s.logger.Infof("Created workflow '%s' with ID %d (%d steps, %s)", name, id, len(steps), wf.Status)
	return id, nil
}

// StartWorkflow hands a READY workflow to the engine.
func (s *WorkflowService) StartWorkflow(workflowID int64) error {
	return s.engine.StartWorkflow(workflowID)
}

// PauseWorkflow stops further dispatch; in-flight steps finish.
func (s *WorkflowService) PauseWorkflow(workflowID int64) error {
	return s.engine.PauseWorkflow(workflowID)
}

// ResumeWorkflow resumes dispatch of a paused workflow.
func (s *WorkflowService) ResumeWorkflow(workflowID int64) error {
	return s.engine.ResumeWorkflow(workflowID)
}

// CancelWorkflow cancels a running workflow and all its live steps.
func (s *WorkflowService) CancelWorkflow(workflowID int64) error {
	return s.engine.CancelWorkflow(workflowID)
}

// GetWorkflow fetches a workflow row.
func (s *WorkflowService) GetWorkflow(workflowID int64) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("failed to get workflow %d: %v", workflowID, err)
	}
	return wf, nil
}

// GetWorkflowGraph fetches a workflow with its steps and dependency
// edges populated.
func (s *WorkflowService) GetWorkflowGraph(workflowID int64) (models.Workflow, error) {
	wf, err := s.store.LoadGraph(workflowID)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("failed to load workflow %d graph: %v", workflowID, err)
	}
	return wf, nil
}

func (s *WorkflowService) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

// GetAudit returns the transition trail of a workflow's nodes in
// logged order.
func (s *WorkflowService) GetAudit(workflowID int64) ([]models.AuditEntry, error) {
	return s.store.GetAudit(workflowID)
}

// CompleteWebhookStep resolves a running webhook step with output from
// an external caller. Step ids are scoped per workflow.
func (s *WorkflowService) CompleteWebhookStep(workflowID int64, stepID string, output models.Payload) error {
	return s.engine.Hub().Complete(workflowID, stepID, output)
}

// FailWebhookStep resolves a running webhook step as failed.
func (s *WorkflowService) FailWebhookStep(workflowID int64, stepID string, reason string) error {
	return s.engine.Hub().Fail(workflowID, stepID, errors.New(reason))
}
