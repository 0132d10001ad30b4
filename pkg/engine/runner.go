package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

// TaskRunner executes leaf work for a task type. Implementations must
// respect context cancellation; the engine cannot forcibly kill a
// runner, it only expects it to observe ctx and stop producing output.
type TaskRunner interface {
	Execute(ctx context.Context, config models.Payload, input models.Payload) (models.Payload, error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, config models.Payload, input models.Payload) (models.Payload, error)

func (f TaskRunnerFunc) Execute(ctx context.Context, config, input models.Payload) (models.Payload, error) {
	return f(ctx, config, input)
}

// PredicateEvaluator decides condition/loop/wait expressions against a
// context payload. The engine treats expressions as opaque.
type PredicateEvaluator interface {
	Evaluate(expression string, context models.Payload) (bool, error)
}

// PredicateFunc adapts a function to PredicateEvaluator.
type PredicateFunc func(expression string, context models.Payload) (bool, error)

func (f PredicateFunc) Evaluate(expression string, context models.Payload) (bool, error) {
	return f(expression, context)
}

// RunnerRegistry maps task types to their runners.
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]TaskRunner
}

func NewRunnerRegistry() *RunnerRegistry {
	return &RunnerRegistry{runners: make(map[string]TaskRunner)}
}

func (r *RunnerRegistry) Register(taskType string, runner TaskRunner) error {
	if taskType == "" {
		return errors.New("empty task type")
	}
	if runner == nil {
		return errors.New("nil runner")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[taskType] = runner
	return nil
}

func (r *RunnerRegistry) Get(taskType string) (TaskRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[taskType]
	return runner, ok
}
