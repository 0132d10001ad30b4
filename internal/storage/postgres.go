package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow creates a workflow row and returns its ID. Steps and
// dependencies are saved separately.
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(`
		INSERT INTO workflows (name, version, status, max_parallel_steps, timeout, retry_failed_steps, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		w.Name, w.Version, w.Status, w.MaxParallelSteps, w.Timeout, w.RetryFailedSteps, w.Context, w.CreatedAt, w.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return wfID, nil
}

func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT * FROM workflows ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	_, err := s.db.Exec(`
		UPDATE workflows
		SET status = $1,
		updated_at = CURRENT_TIMESTAMP,
		started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $4`,
		// the CASE parameters are bound separately, hence status three times
		status, status, status, id)
	return err
}

func (s *PostgresStore) UpdateWorkflowResults(id int64, results models.Payload) error {
	_, err := s.db.Exec("UPDATE workflows SET results = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", results, id)
	return err
}

func (s *PostgresStore) SaveStep(st models.WorkflowStep) error {
	_, err := s.db.NamedExec(`
		INSERT INTO workflow_steps (id, workflow_id, name, step_type, step_order, config,
			status, priority, max_retries, retry_count, timeout, deadline,
			created_at, updated_at, scheduled_at, started_at, completed_at, next_retry_at,
			input_data, output_data, error_info)
		VALUES (:id, :workflow_id, :name, :step_type, :step_order, :config,
			:status, :priority, :max_retries, :retry_count, :timeout, :deadline,
			:created_at, :updated_at, :scheduled_at, :started_at, :completed_at, :next_retry_at,
			:input_data, :output_data, :error_info)`, st)
	return err
}

func (s *PostgresStore) GetStep(id string, workflowID int64) (models.WorkflowStep, error) {
	var st models.WorkflowStep
	err := s.db.Get(&st, "SELECT * FROM workflow_steps WHERE id = $1 AND workflow_id = $2", id, workflowID)
	if err == sql.ErrNoRows {
		return models.WorkflowStep{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowStep{}, err
	}
	return st, nil
}

// UpdateStep persists a step's mutable lifecycle fields. Status is
// written as-is; the compare-and-swap path is SaveTransition.
func (s *PostgresStore) UpdateStep(st models.WorkflowStep) error {
	res, err := s.db.NamedExec(`
		UPDATE workflow_steps
		SET status = :status, retry_count = :retry_count,
			updated_at = CURRENT_TIMESTAMP,
			scheduled_at = :scheduled_at, started_at = :started_at,
			completed_at = :completed_at, next_retry_at = :next_retry_at,
			input_data = :input_data, output_data = :output_data, error_info = :error_info
		WHERE id = :id AND workflow_id = :workflow_id`, st)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveStepDependency(d models.StepDependency) error {
	_, err := s.db.Exec(`
		INSERT INTO step_dependencies (step_id, depends_on, kind, condition, optional, workflow_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.StepID, d.DependsOn, d.Kind, d.Condition, d.Optional, d.WorkflowID)
	return err
}

// LoadGraph returns a workflow with its steps and dependency edges
// populated, steps in step_order.
func (s *PostgresStore) LoadGraph(workflowID int64) (models.Workflow, error) {
	wf, err := s.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	err = s.db.Select(&wf.Steps, "SELECT * FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order, id", workflowID)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("load graph %d: %w", workflowID, err)
	}
	err = s.db.Select(&wf.Dependencies, "SELECT * FROM step_dependencies WHERE workflow_id = $1", workflowID)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("load graph %d dependencies: %w", workflowID, err)
	}
	return wf, nil
}

func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.NamedExec(`
		INSERT INTO tasks (id, workflow_id, parent_task_id, name, task_type,
			estimated_duration, actual_duration, execution_context,
			status, priority, max_retries, retry_count, timeout, deadline,
			created_at, updated_at, scheduled_at, started_at, completed_at, next_retry_at,
			input_data, output_data, error_info)
		VALUES (:id, :workflow_id, :parent_task_id, :name, :task_type,
			:estimated_duration, :actual_duration, :execution_context,
			:status, :priority, :max_retries, :retry_count, :timeout, :deadline,
			:created_at, :updated_at, :scheduled_at, :started_at, :completed_at, :next_retry_at,
			:input_data, :output_data, :error_info)`, t)
	if err != nil {
		return err
	}
	if t.Resources != nil {
		r := *t.Resources
		r.TaskID = t.ID
		_, err = s.db.Exec(`
			INSERT INTO task_resources (task_id, cpu_cores, memory_mb, gpu, disk_mb, network_class)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.TaskID, r.CPUCores, r.MemoryMB, r.GPU, r.DiskMB, r.NetworkClass)
	}
	return err
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	var r models.ResourceRequirement
	err = s.db.Get(&r, "SELECT task_id, cpu_cores, memory_mb, gpu, disk_mb, network_class FROM task_resources WHERE task_id = $1", id)
	if err == nil {
		t.Resources = &r
	} else if err != sql.ErrNoRows {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) UpdateTask(t models.Task) error {
	res, err := s.db.NamedExec(`
		UPDATE tasks
		SET status = :status, retry_count = :retry_count,
			actual_duration = :actual_duration,
			updated_at = CURRENT_TIMESTAMP,
			scheduled_at = :scheduled_at, started_at = :started_at,
			completed_at = :completed_at, next_retry_at = :next_retry_at,
			input_data = :input_data, output_data = :output_data, error_info = :error_info
		WHERE id = :id`, t)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(workflowID *int64) ([]models.Task, error) {
	tasks := []models.Task{}
	if workflowID == nil {
		if err := s.db.Select(&tasks, "SELECT * FROM tasks ORDER BY created_at"); err != nil {
			return nil, err
		}
		return tasks, nil
	}
	if err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE workflow_id = $1 ORDER BY created_at", *workflowID); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) SaveTaskDependency(d models.TaskDependency) error {
	_, err := s.db.Exec(`
		INSERT INTO task_dependencies (task_id, depends_on, kind, condition, optional, workflow_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.TaskID, d.DependsOn, d.Kind, d.Condition, d.Optional, d.WorkflowID)
	return err
}

func (s *PostgresStore) GetTaskDependencies(taskID string) ([]models.TaskDependency, error) {
	deps := []models.TaskDependency{}
	err := s.db.Select(&deps, "SELECT * FROM task_dependencies WHERE task_id = $1", taskID)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// DeleteTask removes a task. Dependency edges, resource rows and
// nested subtasks go with it via the schema's cascading foreign keys.
func (s *PostgresStore) DeleteTask(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveTransition CASes the status of the step or task identified by
// nodeID: the UPDATE is guarded by the expected from-status, and zero
// affected rows on an existing node means a competing writer got there
// first. Step ids are scoped per workflow, so a step lookup needs
// workflowID; task ids are global.
func (s *PostgresStore) SaveTransition(nodeID string, workflowID *int64, from, to models.TaskStatus, payload models.Payload) error {
	if workflowID != nil {
		res, err := s.db.Exec(`
			UPDATE workflow_steps
			SET status = $1, output_data = COALESCE($2, output_data), updated_at = CURRENT_TIMESTAMP
			WHERE id = $3 AND workflow_id = $4 AND status = $5`,
			to, payload, nodeID, *workflowID, from)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists bool
		if err := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM workflow_steps WHERE id = $1 AND workflow_id = $2)", nodeID, *workflowID); err != nil {
			return err
		}
		if exists {
			return storage.ErrConflict
		}
	}

	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1, output_data = COALESCE($2, output_data), updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = $4`,
		to, payload, nodeID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)", nodeID); err != nil {
		return err
	}
	if exists {
		return storage.ErrConflict
	}
	return storage.ErrNotFound
}

func (s *PostgresStore) AppendAudit(e models.AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (workflow_id, node_id, from_status, to_status, message, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.WorkflowID, e.NodeID, e.FromStatus, e.ToStatus, e.Message, e.LoggedAt)
	return err
}

func (s *PostgresStore) GetAudit(workflowID int64) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := s.db.Select(&entries, "SELECT * FROM audit_log WHERE workflow_id = $1 ORDER BY logged_at, id", workflowID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
