package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// stepKey scopes step identity to its workflow: two workflows may
// reuse the same step id without colliding.
type stepKey struct {
	workflowID int64
	id         string
}

// mockStore implements Store with in-memory maps. It is hit
// concurrently by scheduler workers in tests, hence the lock.
type mockStore struct {
	mu        sync.Mutex
	workflows map[int64]models.Workflow
	steps     map[stepKey]models.WorkflowStep
	tasks     map[string]models.Task
	stepDeps  []models.StepDependency
	taskDeps  []models.TaskDependency
	audit     []models.AuditEntry
	nextID    int64
	nextAudit int64
}

// NewMockStore returns an empty in-memory Store.
func NewMockStore() Store {
	return &mockStore{
		workflows: make(map[int64]models.Workflow),
		steps:     make(map[stepKey]models.WorkflowStep),
		tasks:     make(map[string]models.Task),
	}
}

// Begin returns the store itself: the mock applies writes immediately
// and treats Commit/Rollback as no-ops.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	w.ID = m.nextID
	m.workflows[w.ID] = w
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	return wf, nil
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Status = status
	wf.UpdatedAt = time.Now()
	m.workflows[id] = wf
	return nil
}

func (m *mockStore) UpdateWorkflowResults(id int64, results models.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Results = results
	wf.UpdatedAt = time.Now()
	m.workflows[id] = wf
	return nil
}

func (m *mockStore) SaveStep(s models.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey{s.WorkflowID, s.ID}
	if _, exists := m.steps[key]; exists {
		return errors.Errorf("step %s already exists in workflow %d", s.ID, s.WorkflowID)
	}
	m.steps[key] = s
	return nil
}

func (m *mockStore) GetStep(id string, workflowID int64) (models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepKey{workflowID, id}]
	if !ok {
		return models.WorkflowStep{}, ErrNotFound
	}
	return s, nil
}

func (m *mockStore) UpdateStep(s models.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey{s.WorkflowID, s.ID}
	if _, ok := m.steps[key]; !ok {
		return ErrNotFound
	}
	m.steps[key] = s
	return nil
}

func (m *mockStore) SaveStepDependency(d models.StepDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stepDeps {
		if existing.WorkflowID == d.WorkflowID && existing.StepID == d.StepID && existing.DependsOn == d.DependsOn {
			return errors.New("dependency already exists")
		}
	}
	m.stepDeps = append(m.stepDeps, d)
	return nil
}

func (m *mockStore) LoadGraph(workflowID int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			wf.Steps = append(wf.Steps, s)
		}
	}
	for _, d := range m.stepDeps {
		if d.WorkflowID == workflowID {
			wf.Dependencies = append(wf.Dependencies, d)
		}
	}
	return wf, nil
}

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return errors.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) UpdateTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) ListTasks(workflowID *int64) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if workflowID == nil || (t.WorkflowID != nil && *t.WorkflowID == *workflowID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) SaveTaskDependency(d models.TaskDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.taskDeps {
		if existing.TaskID == d.TaskID && existing.DependsOn == d.DependsOn {
			return errors.New("dependency already exists")
		}
	}
	m.taskDeps = append(m.taskDeps, d)
	return nil
}

func (m *mockStore) GetTaskDependencies(taskID string) ([]models.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskDependency
	for _, d := range m.taskDeps {
		if d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

// DeleteTask cascades to dependency edges and nested subtasks.
func (m *mockStore) DeleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteTaskLocked(id)
}

func (m *mockStore) deleteTaskLocked(id string) error {
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	kept := m.taskDeps[:0]
	for _, d := range m.taskDeps {
		if d.TaskID != id && d.DependsOn != id {
			kept = append(kept, d)
		}
	}
	m.taskDeps = kept
	for childID, t := range m.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == id {
			if err := m.deleteTaskLocked(childID); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveTransition CASes the status of the step or task identified by
// nodeID. Step ids are scoped per workflow; standalone task ids are
// global, so a workflow-owned task falls through the step lookup.
func (m *mockStore) SaveTransition(nodeID string, workflowID *int64, from, to models.TaskStatus, payload models.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if workflowID != nil {
		if s, ok := m.steps[stepKey{*workflowID, nodeID}]; ok {
			if s.Status != from {
				return ErrConflict
			}
			s.Status = to
			s.UpdatedAt = time.Now()
			if payload != nil {
				s.OutputData = payload
			}
			m.steps[stepKey{*workflowID, nodeID}] = s
			return nil
		}
	}
	if t, ok := m.tasks[nodeID]; ok {
		if t.Status != from {
			return ErrConflict
		}
		t.Status = to
		t.UpdatedAt = time.Now()
		if payload != nil {
			t.OutputData = payload
		}
		m.tasks[nodeID] = t
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) AppendAudit(e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAudit++
	e.ID = m.nextAudit
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *mockStore) GetAudit(workflowID int64) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.audit {
		if e.WorkflowID != nil && *e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}
