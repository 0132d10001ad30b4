package engine

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// workflowRun is the in-memory orchestration state of one running
// workflow. All run state is guarded by the engine lock; the scheduler
// tick and the workers take it around every read or mutation, and leaf
// work blocks only outside the lock.
type workflowRun struct {
	wf       *models.Workflow
	steps    map[string]*models.WorkflowStep
	resolver *Resolver

	// gated marks steps owned by a control-flow parent; they become
	// eligible only once armed by that parent.
	gated      map[string]bool
	armed      map[string]bool
	inflight   map[string]*inflightAttempt
	tokens     map[string]AdmissionToken
	loops      map[string]*loopState
	seqPos     map[string]int
	propagated map[string]bool
}

type inflightAttempt struct {
	cancel func()
}

type loopState struct {
	iterations int
}

// wfView adapts a workflowRun to the resolver's NodeView. It is used
// only while the run's lock is held.
type wfView struct{ wr *workflowRun }

func (v wfView) Status(id string) (models.TaskStatus, bool) {
	s, ok := v.wr.steps[id]
	if !ok {
		return "", false
	}
	return s.Status, true
}

func (v wfView) HasOutput(id string) bool {
	s, ok := v.wr.steps[id]
	return ok && len(s.OutputData) > 0
}

// Context builds the payload handed to predicate evaluation: the
// workflow context overlaid with completed step outputs keyed by step
// id.
func (v wfView) Context(string) models.Payload {
	return v.wr.evalContext()
}

func (wr *workflowRun) evalContext() models.Payload {
	ctx := models.Payload{}
	for k, val := range wr.wf.Context {
		ctx[k] = val
	}
	steps := models.Payload{}
	for id, s := range wr.steps {
		if s.Status == models.CompletedTaskStatus && len(s.OutputData) > 0 {
			steps[id] = map[string]interface{}(s.OutputData)
		}
	}
	if len(steps) > 0 {
		ctx["steps"] = map[string]interface{}(steps)
	}
	return ctx
}

// ValidateGraph checks a step graph for the DRAFT -> READY gate: every
// step config is well formed, every referenced child or path step
// exists, and the dependency edges are acyclic. Returns a
// *ValidationError or *CycleError.
func ValidateGraph(steps []models.WorkflowStep, deps []models.StepDependency, eval PredicateEvaluator) error {
	byID := make(map[string]struct{}, len(steps))
	r := NewResolver(eval)
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
		if _, dup := byID[steps[i].ID]; dup {
			return &ValidationError{Reason: "duplicate step id " + steps[i].ID}
		}
		byID[steps[i].ID] = struct{}{}
		r.AddNode(steps[i].ID)
	}
	for i := range steps {
		for _, child := range steps[i].ChildIDs() {
			if _, ok := byID[child]; !ok {
				return &ValidationError{Reason: "step " + steps[i].ID + " references missing step " + child}
			}
			if child == steps[i].ID {
				return &ValidationError{Reason: "step " + steps[i].ID + " references itself"}
			}
		}
	}
	for _, d := range deps {
		if err := r.AddEdge(Edge{From: d.StepID, To: d.DependsOn, Kind: d.Kind, Condition: d.Condition, Optional: d.Optional}); err != nil {
			return err
		}
	}
	return nil
}

// StartWorkflow loads a READY workflow's graph, transitions it to
// RUNNING and registers it with the scheduler loop.
func (e *Engine) StartWorkflow(workflowID int64) error {
	wf, err := e.store.LoadGraph(workflowID)
	if err != nil {
		return errors.Wrapf(err, "load workflow %d", workflowID)
	}
	if wf.Status != models.ReadyWorkflowStatus {
		return errors.Errorf("workflow %d is %s, not READY", workflowID, wf.Status)
	}

	wr := &workflowRun{
		wf:         &wf,
		steps:      make(map[string]*models.WorkflowStep, len(wf.Steps)),
		resolver:   NewResolver(e.eval),
		gated:      make(map[string]bool),
		armed:      make(map[string]bool),
		inflight:   make(map[string]*inflightAttempt),
		tokens:     make(map[string]AdmissionToken),
		loops:      make(map[string]*loopState),
		seqPos:     make(map[string]int),
		propagated: make(map[string]bool),
	}
	for i := range wf.Steps {
		s := wf.Steps[i]
		wr.steps[s.ID] = &s
		wr.resolver.AddNode(s.ID)
	}
	for i := range wf.Steps {
		for _, child := range wf.Steps[i].ChildIDs() {
			wr.gated[child] = true
		}
	}
	for _, d := range wf.Dependencies {
		if err := wr.resolver.AddEdge(Edge{From: d.StepID, To: d.DependsOn, Kind: d.Kind, Condition: d.Condition, Optional: d.Optional}); err != nil {
			return errors.Wrapf(err, "workflow %d graph", workflowID)
		}
	}

	now := time.Now()
	wf.Status = models.RunningWorkflowStatus
	wf.StartedAt = &now
	if err := e.store.UpdateWorkflowStatus(workflowID, models.RunningWorkflowStatus); err != nil {
		return errors.Wrapf(err, "start workflow %d", workflowID)
	}

	e.mu.Lock()
	e.runs[workflowID] = wr
	e.mu.Unlock()
	e.log.Infof("Workflow %d started with %d steps", workflowID, len(wr.steps))
	e.kick()
	return nil
}

// PauseWorkflow stops further dispatch for the workflow. In-flight
// attempts are left to finish; their outcomes are recorded as usual.
func (e *Engine) PauseWorkflow(workflowID int64) error {
	wr, err := e.runFor(workflowID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if wr.wf.Status != models.RunningWorkflowStatus {
		return errors.Errorf("workflow %d is %s, not RUNNING", workflowID, wr.wf.Status)
	}
	wr.wf.Status = models.PausedWorkflowStatus
	return e.store.UpdateWorkflowStatus(workflowID, models.PausedWorkflowStatus)
}

func (e *Engine) ResumeWorkflow(workflowID int64) error {
	wr, err := e.runFor(workflowID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if wr.wf.Status != models.PausedWorkflowStatus {
		e.mu.Unlock()
		return errors.Errorf("workflow %d is %s, not PAUSED", workflowID, wr.wf.Status)
	}
	wr.wf.Status = models.RunningWorkflowStatus
	err = e.store.UpdateWorkflowStatus(workflowID, models.RunningWorkflowStatus)
	e.mu.Unlock()
	e.kick()
	return err
}

// CancelWorkflow cancels every non-terminal step, signals in-flight
// attempts and transitions the workflow to CANCELLED. Cancellation is
// cooperative: runners observe their context and stop.
func (e *Engine) CancelWorkflow(workflowID int64) error {
	wr, err := e.runFor(workflowID)
	if err != nil {
		return e.cancelUnscheduled(workflowID)
	}
	e.mu.Lock()
	e.cancelRunLocked(wr, models.CancelledWorkflowStatus, "workflow cancelled")
	delete(e.runs, workflowID)
	e.mu.Unlock()
	return nil
}

// cancelUnscheduled cancels a workflow the scheduler is not running
// (DRAFT or READY, never started).
func (e *Engine) cancelUnscheduled(workflowID int64) error {
	wf, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return errors.Wrapf(err, "load workflow %d", workflowID)
	}
	if wf.Status.Terminal() {
		return errors.Errorf("workflow %d is already %s", workflowID, wf.Status)
	}
	return e.store.UpdateWorkflowStatus(workflowID, models.CancelledWorkflowStatus)
}

func (e *Engine) runFor(workflowID int64) (*workflowRun, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wr, ok := e.runs[workflowID]
	if !ok {
		return nil, errors.Errorf("workflow %d is not registered with the scheduler", workflowID)
	}
	return wr, nil
}

// cancelRunLocked tears a run down into the given terminal workflow
// status. Caller holds e.mu.
func (e *Engine) cancelRunLocked(wr *workflowRun, to models.WorkflowStatus, reason string) {
	wfID := wr.wf.ID
	for id, s := range wr.steps {
		if s.Status.Terminal() {
			continue
		}
		e.forceCancelStep(wr, s, reason)
		if att, ok := wr.inflight[id]; ok && att.cancel != nil {
			att.cancel()
		}
	}
	for id, token := range wr.tokens {
		e.alloc.Release(token)
		delete(wr.tokens, id)
	}
	wr.wf.Status = to
	now := time.Now()
	wr.wf.CompletedAt = &now
	if err := e.store.UpdateWorkflowStatus(wfID, to); err != nil {
		e.log.Errorf("Failed to persist workflow %d status %s: %v", wfID, to, err)
	}
	e.log.Infof("Workflow %d ended %s: %s", wfID, to, reason)
}

// forceCancelStep walks the step down to CANCELLED through whatever
// intermediate transitions the state machine requires.
func (e *Engine) forceCancelStep(wr *workflowRun, s *models.WorkflowStep, reason string) {
	if s.Status.Terminal() {
		return
	}
	if s.ErrorInfo == "" {
		s.ErrorInfo = reason
	}
	if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CancelledTaskStatus, nil, reason); err != nil {
		e.log.Errorf("Failed to cancel step %s: %v", s.ID, err)
		return
	}
	e.persistStep(wr, s)
}

func (e *Engine) persistStep(wr *workflowRun, s *models.WorkflowStep) {
	if err := e.store.UpdateStep(*s); err != nil {
		e.log.Errorf("Failed to persist step %s: %v", s.ID, err)
	}
}

// tickWorkflow runs one evaluation pass over a workflow and returns
// the leaf dispatches to hand to the workers.
func (e *Engine) tickWorkflow(wr *workflowRun, now time.Time) []dispatchItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf := wr.wf
	if wf.Status != models.RunningWorkflowStatus {
		if wf.Status.Terminal() {
			delete(e.runs, wf.ID)
		}
		return nil
	}

	// Workflow timeout: cancel everything still live and fail the
	// workflow; no further dispatch occurs for it.
	if wf.Timeout != nil && wf.StartedAt != nil && now.Sub(*wf.StartedAt) > *wf.Timeout {
		e.cancelRunLocked(wr, models.FailedWorkflowStatus, errTagWorkflow)
		delete(e.runs, wf.ID)
		return nil
	}

	// Retry, timeout and deadline rules per node.
	for id, s := range wr.steps {
		_, inFlight := wr.inflight[id]
		if e.retry.Scan(id, &wf.ID, &s.NodeMeta, now, wf.RetryFailedSteps, inFlight) {
			e.persistStep(wr, s)
			e.releaseStepLocked(wr, id)
		}
	}

	// Propagate hard-dependency failures: dependents of a
	// definitively failed or cancelled node are cancelled unless the
	// edge is optional.
	for id, s := range wr.steps {
		if wr.propagated[id] {
			continue
		}
		failed := s.Status == models.FailedTaskStatus && !(wf.RetryFailedSteps && s.RetryBudgetLeft())
		if !failed && s.Status != models.CancelledTaskStatus {
			continue
		}
		wr.propagated[id] = true
		for _, depID := range wr.resolver.FailedDependents(id) {
			dep := wr.steps[depID]
			if dep == nil || dep.Status.Terminal() {
				continue
			}
			dep.ErrorInfo = errTagUpstream
			e.forceCancelStep(wr, dep, "upstream "+id+" failed")
			e.releaseStepLocked(wr, depID)
		}
	}

	// Drive control-flow steps forward.
	for _, s := range wr.steps {
		if s.IsControlFlow() {
			e.advanceControl(wr, s)
		}
	}

	items := e.dispatchReadyLocked(wr)

	e.maybeFinishLocked(wr)
	return items
}

// releaseStepLocked drops in-flight bookkeeping and returns the step's
// resource claim after a terminal or re-queued transition made outside
// the worker path.
func (e *Engine) releaseStepLocked(wr *workflowRun, stepID string) {
	s := wr.steps[stepID]
	if s != nil && (s.Status == models.RunningTaskStatus || s.Status == models.QueuedTaskStatus) {
		return
	}
	if att, ok := wr.inflight[stepID]; ok {
		if att.cancel != nil {
			att.cancel()
		}
		delete(wr.inflight, stepID)
	}
	if token, ok := wr.tokens[stepID]; ok {
		e.alloc.Release(token)
		delete(wr.tokens, stepID)
	}
}

// eligible reports whether a step may enter the ready-set: top-level
// steps always, control-flow children only once armed by their parent.
func (wr *workflowRun) eligible(id string) bool {
	return !wr.gated[id] || wr.armed[id]
}

// dispatchReadyLocked computes the ready set among leaf steps, applies
// the workflow's max_parallel_steps ceiling and the global resource
// budget, and returns dispatch items for admitted steps.
func (e *Engine) dispatchReadyLocked(wr *workflowRun) []dispatchItem {
	view := wfView{wr}

	var candidates []*models.WorkflowStep
	for _, s := range wr.steps {
		if s.IsControlFlow() || !wr.eligible(s.ID) {
			continue
		}
		switch s.Status {
		case models.PendingTaskStatus, models.QueuedTaskStatus:
		default:
			continue
		}
		if _, busy := wr.inflight[s.ID]; busy {
			continue
		}
		ready, err := wr.resolver.Ready(s.ID, view)
		if err != nil {
			e.log.Errorf("Readiness check for step %s: %v", s.ID, err)
			continue
		}
		if ready {
			candidates = append(candidates, s)
		}
	}

	// Priority ordering: higher priority first, then graph order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].StepOrder != candidates[j].StepOrder {
			return candidates[i].StepOrder < candidates[j].StepOrder
		}
		return candidates[i].ID < candidates[j].ID
	})

	var items []dispatchItem
	for _, s := range candidates {
		if s.Status == models.PendingTaskStatus {
			if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.QueuedTaskStatus, nil, "dependencies satisfied"); err != nil {
				continue
			}
			e.persistStep(wr, s)
		}
		if wr.wf.MaxParallelSteps > 0 && len(wr.inflight) >= wr.wf.MaxParallelSteps {
			break
		}
		token, ok := e.alloc.TryAdmit(stepResources(s))
		if !ok {
			// Deferred, not failed: the step stays QUEUED and is
			// re-evaluated next tick.
			continue
		}
		ctx, cancel := context.WithCancel(e.ctx)
		wr.inflight[s.ID] = &inflightAttempt{cancel: cancel}
		wr.tokens[s.ID] = token
		e.metrics.nodesDispatched.WithLabelValues(string(s.StepType)).Inc()
		items = append(items, dispatchItem{run: wr, stepID: s.ID, ctx: ctx, token: token})
	}
	return items
}

func stepResources(s *models.WorkflowStep) *models.ResourceRequirement {
	if s.Config.Task != nil {
		return s.Config.Task.Resources
	}
	return nil
}

// maybeFinishLocked finishes the workflow once every step is terminal:
// COMPLETED when all steps succeeded or were skipped by a condition
// branch, FAILED otherwise. Completed step outputs are aggregated into
// the workflow results.
func (e *Engine) maybeFinishLocked(wr *workflowRun) {
	wf := wr.wf
	if wf.Status != models.RunningWorkflowStatus {
		return
	}
	failed := false
	for _, s := range wr.steps {
		switch s.Status {
		case models.CompletedTaskStatus:
		case models.CancelledTaskStatus:
			if s.ErrorInfo != errTagSkipped {
				failed = true
			}
		case models.FailedTaskStatus:
			if wf.RetryFailedSteps && s.RetryBudgetLeft() {
				return // retry pending
			}
			failed = true
		default:
			return // still live
		}
	}

	results := models.Payload{}
	for id, s := range wr.steps {
		if s.Status == models.CompletedTaskStatus && len(s.OutputData) > 0 {
			results[id] = map[string]interface{}(s.OutputData)
		}
	}
	wf.Results = results
	now := time.Now()
	wf.CompletedAt = &now
	to := models.CompletedWorkflowStatus
	if failed {
		to = models.FailedWorkflowStatus
	}
	wf.Status = to
	if err := e.store.UpdateWorkflowResults(wf.ID, results); err != nil {
		e.log.Errorf("Failed to persist workflow %d results: %v", wf.ID, err)
	}
	if err := e.store.UpdateWorkflowStatus(wf.ID, to); err != nil {
		e.log.Errorf("Failed to persist workflow %d status %s: %v", wf.ID, to, err)
	}
	delete(e.runs, wf.ID)
	e.log.Infof("Workflow %d finished %s", wf.ID, to)
}
