package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// advanceControl drives a control-flow step (condition, parallel,
// sequential, loop) forward. Control steps never occupy a worker:
// they are pure graph evaluations re-run on every tick. Caller holds
// the engine lock.
func (e *Engine) advanceControl(wr *workflowRun, s *models.WorkflowStep) {
	switch s.Status {
	case models.PendingTaskStatus:
		if !wr.eligible(s.ID) {
			return
		}
		ready, err := wr.resolver.Ready(s.ID, wfView{wr})
		if err != nil || !ready {
			return
		}
		if e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.QueuedTaskStatus, nil, "dependencies satisfied") != nil {
			return
		}
		if e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.RunningTaskStatus, nil, "control step started") != nil {
			return
		}
		e.startControl(wr, s)
		e.persistStep(wr, s)
	case models.QueuedTaskStatus:
		// Re-queued by the retry manager after a failure: restart the
		// entry action with fresh control state.
		if e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.RunningTaskStatus, nil, "control step restarted") != nil {
			return
		}
		e.startControl(wr, s)
		e.persistStep(wr, s)
	case models.RunningTaskStatus:
		e.progressControl(wr, s)
	}
}

// startControl performs the entry action of a freshly RUNNING control
// step.
func (e *Engine) startControl(wr *workflowRun, s *models.WorkflowStep) {
	switch s.StepType {
	case models.ConditionStep:
		e.startCondition(wr, s)
	case models.ParallelStep:
		for _, child := range s.Config.Parallel.ChildStepIDs {
			wr.armed[child] = true
		}
	case models.SequentialStep:
		wr.seqPos[s.ID] = 0
		wr.armed[s.Config.Sequential.ChildStepIDs[0]] = true
	case models.LoopStep:
		wr.loops[s.ID] = &loopState{}
		e.startLoopIteration(wr, s)
	}
}

// startCondition evaluates the predicate exactly once, completes the
// condition step immediately and skips the unchosen branch. The chosen
// branch's steps join the normal ready-set flow.
func (e *Engine) startCondition(wr *workflowRun, s *models.WorkflowStep) {
	cfg := s.Config.Condition
	result, err := e.eval.Evaluate(cfg.Expression, wr.evalContext())
	if err != nil {
		s.ErrorInfo = errTagRunner
		if moveErr := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, nil,
			errors.Wrap(err, "condition evaluation").Error()); moveErr != nil {
			e.log.Errorf("Failed to fail condition step %s: %v", s.ID, moveErr)
		}
		return
	}
	chosen, skipped := cfg.TruePathSteps, cfg.FalsePathSteps
	if !result {
		chosen, skipped = cfg.FalsePathSteps, cfg.TruePathSteps
	}
	for _, id := range chosen {
		wr.armed[id] = true
	}
	e.skipSteps(wr, skipped)
	output := models.Payload{"result": result}
	if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CompletedTaskStatus, output,
		fmt.Sprintf("condition evaluated %t", result)); err != nil {
		e.log.Errorf("Failed to complete condition step %s: %v", s.ID, err)
	}
}

// skipSteps cancels a branch that will never execute, transitively
// including nested control-step children.
func (e *Engine) skipSteps(wr *workflowRun, ids []string) {
	for _, id := range ids {
		s, ok := wr.steps[id]
		if !ok || s.Status.Terminal() {
			continue
		}
		s.ErrorInfo = errTagSkipped
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CancelledTaskStatus, nil, "skipped"); err != nil {
			e.log.Errorf("Failed to skip step %s: %v", s.ID, err)
			continue
		}
		e.persistStep(wr, s)
		e.skipSteps(wr, s.ChildIDs())
	}
}

// progressControl re-evaluates a RUNNING control step against its
// children's states.
func (e *Engine) progressControl(wr *workflowRun, s *models.WorkflowStep) {
	switch s.StepType {
	case models.ParallelStep:
		e.progressParallel(wr, s)
	case models.SequentialStep:
		e.progressSequential(wr, s)
	case models.LoopStep:
		e.progressLoop(wr, s)
	}
}

// progressParallel finishes the fan-out only once every child is
// terminal; it fails if any child failed, no earlier.
func (e *Engine) progressParallel(wr *workflowRun, s *models.WorkflowStep) {
	children := s.Config.Parallel.ChildStepIDs
	statuses := models.Payload{}
	anyFailed := false
	for _, id := range children {
		child, ok := wr.steps[id]
		if !ok {
			return
		}
		if !child.Status.Terminal() {
			return
		}
		statuses[id] = string(child.Status)
		if childFailed(child) {
			anyFailed = true
		}
	}
	output := models.Payload{"children": map[string]interface{}(statuses)}
	if anyFailed {
		s.ErrorInfo = errTagUpstream
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, output, "child step failed"); err == nil {
			e.persistStep(wr, s)
		}
		return
	}
	if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CompletedTaskStatus, output, "all children completed"); err == nil {
		e.persistStep(wr, s)
	}
}

// childFailed treats skip-cancellation as benign and everything else
// terminal-but-not-completed as failure.
func childFailed(s *models.WorkflowStep) bool {
	switch s.Status {
	case models.FailedTaskStatus:
		return true
	case models.CancelledTaskStatus:
		return s.ErrorInfo != errTagSkipped
	}
	return false
}

// progressSequential arms children one at a time in chain order; the
// first failure halts the chain and fails the step.
func (e *Engine) progressSequential(wr *workflowRun, s *models.WorkflowStep) {
	children := s.Config.Sequential.ChildStepIDs
	pos := wr.seqPos[s.ID]
	for pos < len(children) {
		child, ok := wr.steps[children[pos]]
		if !ok {
			return
		}
		switch {
		case child.Status == models.CompletedTaskStatus:
			pos++
			wr.seqPos[s.ID] = pos
			if pos < len(children) {
				wr.armed[children[pos]] = true
			}
			continue
		case childFailed(child):
			s.ErrorInfo = errTagUpstream
			output := models.Payload{"halted_at": child.ID}
			if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, output,
				"chain halted at "+child.ID); err == nil {
				// Children past the failure point never run.
				e.skipSteps(wr, children[pos+1:])
				e.persistStep(wr, s)
			}
			return
		default:
			return // current child still live
		}
	}
	output := models.Payload{"completed": len(children)}
	if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CompletedTaskStatus, output, "chain completed"); err == nil {
		e.persistStep(wr, s)
	}
}

// startLoopIteration evaluates the loop predicate before an iteration;
// predicate-false completes the loop, otherwise the body is (re)armed.
func (e *Engine) startLoopIteration(wr *workflowRun, s *models.WorkflowStep) {
	cfg := s.Config.Loop
	state := wr.loops[s.ID]
	cont, err := e.eval.Evaluate(cfg.Expression, wr.evalContext())
	if err != nil {
		s.ErrorInfo = errTagRunner
		if moveErr := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, nil,
			errors.Wrap(err, "loop predicate").Error()); moveErr != nil {
			e.log.Errorf("Failed to fail loop step %s: %v", s.ID, moveErr)
		}
		return
	}
	if !cont {
		output := models.Payload{"exit_reason": "condition", "iterations": state.iterations}
		if moveErr := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CompletedTaskStatus, output,
			fmt.Sprintf("loop finished after %d iterations", state.iterations)); moveErr == nil {
			e.skipSteps(wr, cfg.BodyStepIDs)
			e.persistStep(wr, s)
		}
		return
	}
	if state.iterations >= cfg.MaxIterations {
		// Budget exhausted with the predicate still true: a failure,
		// not a silent completion.
		s.ErrorInfo = "max_iterations"
		output := models.Payload{"exit_reason": "max_iterations", "iterations": state.iterations}
		if moveErr := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, output,
			fmt.Sprintf("loop exceeded max_iterations=%d", cfg.MaxIterations)); moveErr == nil {
			e.skipSteps(wr, cfg.BodyStepIDs)
			e.persistStep(wr, s)
		}
		return
	}
	for _, id := range cfg.BodyStepIDs {
		body, ok := wr.steps[id]
		if !ok {
			continue
		}
		if body.Status.Terminal() {
			if err := e.trans.ResetForIteration(body.ID, &wr.wf.ID, &body.NodeMeta); err != nil {
				e.log.Errorf("Failed to reset loop body step %s: %v", body.ID, err)
				continue
			}
			e.persistStep(wr, body)
		}
		wr.armed[id] = true
	}
}

// progressLoop waits for the body to drain, then re-evaluates the
// predicate for the next iteration.
func (e *Engine) progressLoop(wr *workflowRun, s *models.WorkflowStep) {
	cfg := s.Config.Loop
	state := wr.loops[s.ID]
	if state == nil {
		state = &loopState{}
		wr.loops[s.ID] = state
	}
	anyFailed := false
	for _, id := range cfg.BodyStepIDs {
		body, ok := wr.steps[id]
		if !ok {
			return
		}
		if !body.Status.Terminal() {
			return
		}
		if childFailed(body) {
			anyFailed = true
		}
	}
	if anyFailed {
		s.ErrorInfo = errTagUpstream
		output := models.Payload{"exit_reason": "body_failed", "iterations": state.iterations}
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, output, "loop body failed"); err == nil {
			e.persistStep(wr, s)
		}
		return
	}
	state.iterations++
	e.startLoopIteration(wr, s)
}

// executeStep runs one leaf attempt (task, custom, webhook, wait) on a
// scheduler worker. Blocking happens only here, outside the engine
// lock.
func (e *Engine) executeStep(item dispatchItem) {
	wr := item.run

	e.mu.Lock()
	s, ok := wr.steps[item.stepID]
	if !ok || s.Status != models.QueuedTaskStatus {
		e.releaseStepLocked(wr, item.stepID)
		e.mu.Unlock()
		return
	}
	if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.RunningTaskStatus, nil, "dispatched"); err != nil {
		e.releaseStepLocked(wr, item.stepID)
		e.mu.Unlock()
		return
	}
	e.persistStep(wr, s)
	step := *s // snapshot for the blocking section
	input := e.buildStepInput(wr, s)
	e.mu.Unlock()

	// Wait conditions must see outputs produced after dispatch, so the
	// evaluation context is rebuilt under the lock on every use.
	evalCtx := func() models.Payload {
		e.mu.Lock()
		defer e.mu.Unlock()
		return wr.evalContext()
	}

	attemptCtx := item.ctx
	cancel := func() {}
	if timeout := e.leafTimeout(&step); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(item.ctx, timeout)
	}
	output, runErr := e.runLeaf(attemptCtx, &step, input, evalCtx)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.kick()
	delete(wr.inflight, item.stepID)
	if token, ok := wr.tokens[item.stepID]; ok {
		e.alloc.Release(token)
		delete(wr.tokens, item.stepID)
	}

	switch {
	case runErr == nil:
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CompletedTaskStatus, output, "completed"); err == nil {
			if s.StartedAt != nil && s.CompletedAt != nil {
				e.metrics.nodeDuration.WithLabelValues(string(s.StepType)).
					Observe(s.CompletedAt.Sub(*s.StartedAt).Seconds())
			}
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		s.ErrorInfo = errTagTimeout
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, nil,
			(&TimeoutError{NodeID: s.ID}).Error()); errors.Is(err, ErrConflict) {
			e.metrics.conflictsTotal.Inc()
		}
	case errors.Is(runErr, context.Canceled):
		// Cooperative cancellation; if a competing writer already
		// cancelled the node the transition conflicts and no-ops.
		if s.ErrorInfo == "" {
			s.ErrorInfo = "cancelled"
		}
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.CancelledTaskStatus, nil, "attempt cancelled"); errors.Is(err, ErrConflict) {
			e.metrics.conflictsTotal.Inc()
		}
	default:
		s.ErrorInfo = errTagRunner
		if err := e.trans.Move(s.ID, &wr.wf.ID, &s.NodeMeta, models.FailedTaskStatus, nil,
			(&RunnerError{NodeID: s.ID, Err: runErr}).Error()); errors.Is(err, ErrConflict) {
			e.metrics.conflictsTotal.Inc()
		}
	}
	e.persistStep(wr, s)
}

// leafTimeout returns the per-attempt deadline for a leaf step. Wait
// steps never time out on their own.
func (e *Engine) leafTimeout(s *models.WorkflowStep) time.Duration {
	if s.StepType == models.WaitStep {
		return 0
	}
	if s.Timeout != nil {
		return *s.Timeout
	}
	return e.cfg.DefaultTaskTimeout
}

// buildStepInput merges the step's declared input with the outputs of
// its data dependencies, keyed by upstream step id.
func (e *Engine) buildStepInput(wr *workflowRun, s *models.WorkflowStep) models.Payload {
	input := models.Payload{}
	for k, v := range s.InputData {
		input[k] = v
	}
	for _, edge := range wr.resolver.Dependencies(s.ID) {
		if edge.Kind != models.DataDependency {
			continue
		}
		if up, ok := wr.steps[edge.To]; ok && len(up.OutputData) > 0 {
			input[edge.To] = map[string]interface{}(up.OutputData)
		}
	}
	return input
}

// runLeaf performs the blocking part of a leaf attempt.
func (e *Engine) runLeaf(ctx context.Context, s *models.WorkflowStep, input models.Payload, evalCtx func() models.Payload) (models.Payload, error) {
	switch s.StepType {
	case models.TaskStep:
		return e.runTaskLeaf(ctx, s.Config.Task.TaskType, s.Config.Task.TaskConfig, input)
	case models.CustomStep:
		return e.runTaskLeaf(ctx, string(models.CustomStep), s.Config.Custom, input)
	case models.WebhookStep:
		return e.runWebhookLeaf(ctx, s.WorkflowID, s.ID)
	case models.WaitStep:
		return e.runWaitLeaf(ctx, s.Config.Wait, evalCtx)
	}
	return nil, errors.Errorf("step %s: type %s is not dispatchable", s.ID, s.StepType)
}

func (e *Engine) runTaskLeaf(ctx context.Context, taskType string, config, input models.Payload) (models.Payload, error) {
	runner, ok := e.runners.Get(taskType)
	if !ok {
		return nil, errors.Errorf("no runner registered for task type %q", taskType)
	}
	return runner.Execute(ctx, config, input)
}

// runWebhookLeaf blocks awaiting the external completion signal; the
// attempt context carries the step timeout, so an unanswered callback
// resolves as a timeout failure subject to the normal retry budget.
func (e *Engine) runWebhookLeaf(ctx context.Context, workflowID int64, stepID string) (models.Payload, error) {
	ch, err := e.hub.subscribe(workflowID, stepID)
	if err != nil {
		return nil, err
	}
	defer e.hub.unsubscribe(workflowID, stepID)
	select {
	case sig := <-ch:
		return sig.output, sig.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runWaitLeaf resolves when the duration elapses or the condition
// holds, whichever first. It never fails on its own; only cancellation
// ends it early.
func (e *Engine) runWaitLeaf(ctx context.Context, cfg *models.WaitConfig, evalCtx func() models.Payload) (models.Payload, error) {
	var timerC <-chan time.Time
	if cfg.Duration != nil {
		timer := time.NewTimer(*cfg.Duration)
		defer timer.Stop()
		timerC = timer.C
	}
	var pollC <-chan time.Time
	if cfg.Condition != "" {
		ok, err := e.eval.Evaluate(cfg.Condition, evalCtx())
		if err == nil && ok {
			return models.Payload{"satisfied": "condition"}, nil
		}
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}
	for {
		select {
		case <-timerC:
			return models.Payload{"satisfied": "duration"}, nil
		case <-pollC:
			ok, err := e.eval.Evaluate(cfg.Condition, evalCtx())
			if err == nil && ok {
				return models.Payload{"satisfied": "condition"}, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
