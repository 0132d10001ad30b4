package engine

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// taskPool schedules standalone tasks: the same state machine, retry
// rules, dependency resolution and resource admission as workflow
// steps, but over tasks submitted directly rather than a workflow
// graph. State is guarded by the engine lock.
type taskPool struct {
	e *Engine

	tasks      map[string]*models.Task
	resolver   *Resolver
	inflight   map[string]*inflightAttempt
	tokens     map[string]AdmissionToken
	propagated map[string]bool
}

func newTaskPool(e *Engine) *taskPool {
	return &taskPool{
		e:          e,
		tasks:      make(map[string]*models.Task),
		resolver:   NewResolver(e.eval),
		inflight:   make(map[string]*inflightAttempt),
		tokens:     make(map[string]AdmissionToken),
		propagated: make(map[string]bool),
	}
}

// taskView adapts the pool to the resolver's NodeView.
type taskView struct{ p *taskPool }

func (v taskView) Status(id string) (models.TaskStatus, bool) {
	t, ok := v.p.tasks[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (v taskView) HasOutput(id string) bool {
	t, ok := v.p.tasks[id]
	return ok && len(t.OutputData) > 0
}

func (v taskView) Context(id string) models.Payload {
	ctx := models.Payload{}
	if t, ok := v.p.tasks[id]; ok {
		for k, val := range t.ExecutionContext {
			ctx[k] = val
		}
		for _, edge := range v.p.resolver.Dependencies(id) {
			if up, ok := v.p.tasks[edge.To]; ok && up.Status == models.CompletedTaskStatus && len(up.OutputData) > 0 {
				ctx[edge.To] = map[string]interface{}(up.OutputData)
			}
		}
	}
	return ctx
}

// SubmitTask persists a new task and registers it with the scheduler.
// The task starts PENDING and is picked up on the next tick.
func (e *Engine) SubmitTask(t *models.Task) error {
	if t.ID == "" {
		return &ValidationError{Reason: "task id is required"}
	}
	if t.TaskType == "" {
		return &ValidationError{Reason: "task " + t.ID + ": task_type is required"}
	}
	if _, ok := e.runners.Get(t.TaskType); !ok {
		return &ValidationError{Reason: "task " + t.ID + ": no runner registered for task type " + t.TaskType}
	}
	if t.Status == "" {
		t.Status = models.PendingTaskStatus
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := e.store.SaveTask(*t); err != nil {
		return errors.Wrapf(err, "save task %s", t.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tasks.tasks[t.ID]; dup {
		return &ValidationError{Reason: "task " + t.ID + " already submitted"}
	}
	cp := *t
	e.tasks.tasks[t.ID] = &cp
	e.tasks.resolver.AddNode(t.ID)
	e.log.Infof("Task %s submitted (type %s)", t.ID, t.TaskType)
	e.kick()
	return nil
}

// AddTaskDependency records that taskID depends on dependsOn. Edges
// that would close a cycle are rejected with *CycleError.
func (e *Engine) AddTaskDependency(d models.TaskDependency) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	edge := Edge{From: d.TaskID, To: d.DependsOn, Kind: d.Kind, Condition: d.Condition, Optional: d.Optional}
	if err := e.tasks.resolver.AddEdge(edge); err != nil {
		return err
	}
	if err := e.store.SaveTaskDependency(d); err != nil {
		return errors.Wrapf(err, "save dependency %s -> %s", d.TaskID, d.DependsOn)
	}
	return nil
}

// CancelTask cancels a live task; an in-flight attempt is signalled
// through its context.
func (e *Engine) CancelTask(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks.tasks[taskID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", taskID)
	}
	if t.Status.Terminal() {
		return errors.Errorf("task %s is already %s", taskID, t.Status)
	}
	if t.ErrorInfo == "" {
		t.ErrorInfo = "cancelled"
	}
	if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.CancelledTaskStatus, nil, "task cancelled"); err != nil {
		return err
	}
	e.tasks.persist(t)
	e.tasks.releaseLocked(taskID)
	return nil
}

// RemoveTask drops a terminal task from the scheduler's tracking. The
// persisted record is untouched.
func (e *Engine) RemoveTask(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks.tasks[taskID]
	if !ok {
		return nil
	}
	if !t.Status.Terminal() {
		return errors.Errorf("task %s is %s, not terminal", taskID, t.Status)
	}
	delete(e.tasks.tasks, taskID)
	delete(e.tasks.propagated, taskID)
	return nil
}

// GetTask returns a snapshot of a scheduled task, falling back to the
// store for tasks the pool no longer tracks.
func (e *Engine) GetTask(taskID string) (models.Task, error) {
	e.mu.RLock()
	t, ok := e.tasks.tasks[taskID]
	if ok {
		cp := *t
		e.mu.RUnlock()
		return cp, nil
	}
	e.mu.RUnlock()
	return e.store.GetTask(taskID)
}

func (p *taskPool) persist(t *models.Task) {
	if err := p.e.store.UpdateTask(*t); err != nil {
		p.e.log.Errorf("Failed to persist task %s: %v", t.ID, err)
	}
}

// releaseLocked drops in-flight bookkeeping and the resource claim for
// a task that left RUNNING/QUEUED outside the worker path.
func (p *taskPool) releaseLocked(taskID string) {
	t := p.tasks[taskID]
	if t != nil && (t.Status == models.RunningTaskStatus || t.Status == models.QueuedTaskStatus) {
		return
	}
	if att, ok := p.inflight[taskID]; ok {
		if att.cancel != nil {
			att.cancel()
		}
		delete(p.inflight, taskID)
	}
	if token, ok := p.tokens[taskID]; ok {
		p.e.alloc.Release(token)
		delete(p.tokens, taskID)
	}
}

// tick runs one scheduler pass over the pool: retry scans, failure
// propagation, readiness and admission.
func (p *taskPool) tick(now time.Time) []dispatchItem {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, t := range p.tasks {
		_, inFlight := p.inflight[id]
		if e.retry.Scan(id, t.WorkflowID, &t.NodeMeta, now, true, inFlight) {
			p.persist(t)
			p.releaseLocked(id)
		}
	}

	for id, t := range p.tasks {
		if p.propagated[id] {
			continue
		}
		failed := t.Status == models.FailedTaskStatus && !t.RetryBudgetLeft()
		if !failed && t.Status != models.CancelledTaskStatus {
			continue
		}
		p.propagated[id] = true
		for _, depID := range p.resolver.FailedDependents(id) {
			dep := p.tasks[depID]
			if dep == nil || dep.Status.Terminal() {
				continue
			}
			dep.ErrorInfo = errTagUpstream
			if err := e.trans.Move(dep.ID, dep.WorkflowID, &dep.NodeMeta, models.CancelledTaskStatus, nil, "upstream "+id+" failed"); err != nil {
				e.log.Errorf("Failed to cancel task %s: %v", dep.ID, err)
				continue
			}
			p.persist(dep)
			p.releaseLocked(depID)
		}
	}

	return p.dispatchReadyLocked()
}

func (p *taskPool) dispatchReadyLocked() []dispatchItem {
	e := p.e
	view := taskView{p}

	var candidates []*models.Task
	for _, t := range p.tasks {
		switch t.Status {
		case models.PendingTaskStatus, models.QueuedTaskStatus:
		default:
			continue
		}
		if _, busy := p.inflight[t.ID]; busy {
			continue
		}
		ready, err := p.resolver.Ready(t.ID, view)
		if err != nil {
			e.log.Errorf("Readiness check for task %s: %v", t.ID, err)
			continue
		}
		if ready {
			candidates = append(candidates, t)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	var items []dispatchItem
	for _, t := range candidates {
		if t.Status == models.PendingTaskStatus {
			if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.QueuedTaskStatus, nil, "dependencies satisfied"); err != nil {
				continue
			}
			p.persist(t)
		}
		token, ok := e.alloc.TryAdmit(t.Resources)
		if !ok {
			continue // stays QUEUED until the budget frees up
		}
		ctx, cancel := context.WithCancel(e.ctx)
		p.inflight[t.ID] = &inflightAttempt{cancel: cancel}
		p.tokens[t.ID] = token
		e.metrics.nodesDispatched.WithLabelValues(t.TaskType).Inc()
		items = append(items, dispatchItem{taskID: t.ID, ctx: ctx, token: token})
	}
	return items
}

// execute runs one standalone task attempt on a scheduler worker.
func (p *taskPool) execute(item dispatchItem) {
	e := p.e

	e.mu.Lock()
	t, ok := p.tasks[item.taskID]
	if !ok || t.Status != models.QueuedTaskStatus {
		p.releaseLocked(item.taskID)
		e.mu.Unlock()
		return
	}
	if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.RunningTaskStatus, nil, "dispatched"); err != nil {
		p.releaseLocked(item.taskID)
		e.mu.Unlock()
		return
	}
	p.persist(t)
	taskType := t.TaskType
	config := t.ExecutionContext
	input := p.buildInputLocked(t)
	timeout := e.cfg.DefaultTaskTimeout
	if t.Timeout != nil {
		timeout = *t.Timeout
	}
	e.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(item.ctx, timeout)
	output, runErr := e.runTaskLeaf(attemptCtx, taskType, config, input)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.kick()
	delete(p.inflight, item.taskID)
	if token, ok := p.tokens[item.taskID]; ok {
		e.alloc.Release(token)
		delete(p.tokens, item.taskID)
	}

	switch {
	case runErr == nil:
		// actual_duration is recorded only at terminal success, measured
		// across the node's whole lifecycle rather than the last attempt.
		if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.CompletedTaskStatus, output, "completed"); err == nil {
			if t.StartedAt != nil && t.CompletedAt != nil {
				d := t.CompletedAt.Sub(*t.StartedAt)
				t.ActualDuration = &d
				e.metrics.nodeDuration.WithLabelValues(taskType).Observe(d.Seconds())
			}
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		t.ErrorInfo = errTagTimeout
		if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.FailedTaskStatus, nil,
			(&TimeoutError{NodeID: t.ID}).Error()); errors.Is(err, ErrConflict) {
			e.metrics.conflictsTotal.Inc()
		}
	case errors.Is(runErr, context.Canceled):
		if t.ErrorInfo == "" {
			t.ErrorInfo = "cancelled"
		}
		if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.CancelledTaskStatus, nil, "attempt cancelled"); errors.Is(err, ErrConflict) {
			e.metrics.conflictsTotal.Inc()
		}
	default:
		t.ErrorInfo = errTagRunner
		if err := e.trans.Move(t.ID, t.WorkflowID, &t.NodeMeta, models.FailedTaskStatus, nil,
			(&RunnerError{NodeID: t.ID, Err: runErr}).Error()); errors.Is(err, ErrConflict) {
			e.metrics.conflictsTotal.Inc()
		}
	}
	p.persist(t)
}

// buildInputLocked merges the task's declared input with upstream data
// dependency outputs.
func (p *taskPool) buildInputLocked(t *models.Task) models.Payload {
	input := models.Payload{}
	for k, v := range t.InputData {
		input[k] = v
	}
	for _, edge := range p.resolver.Dependencies(t.ID) {
		if edge.Kind != models.DataDependency {
			continue
		}
		if up, ok := p.tasks[edge.To]; ok && len(up.OutputData) > 0 {
			input[edge.To] = map[string]interface{}(up.OutputData)
		}
	}
	return input
}
