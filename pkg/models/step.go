package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StepType tags a workflow step with its execution semantics.
type StepType string

const (
	TaskStep       StepType = "task"
	ConditionStep  StepType = "condition"
	ParallelStep   StepType = "parallel"
	SequentialStep StepType = "sequential"
	LoopStep       StepType = "loop"
	WaitStep       StepType = "wait"
	WebhookStep    StepType = "webhook"
	CustomStep     StepType = "custom"
)

// WorkflowStep is a node in a workflow's step graph. It mirrors Task's
// state machine via the embedded NodeMeta and carries exactly one
// type-specific configuration variant.
type WorkflowStep struct {
	NodeMeta

	ID         string     `json:"id" db:"id"`
	WorkflowID int64      `json:"workflow_id" db:"workflow_id"`
	Name       string     `json:"name" db:"name"`
	StepType   StepType   `json:"step_type" db:"step_type"`
	StepOrder  int        `json:"step_order" db:"step_order"`
	Config     StepConfig `json:"config" db:"config"`
}

// StepConfig is a tagged variant: exactly one field matching the
// step's type may be set. Validate enforces the pairing.
type StepConfig struct {
	Task       *TaskStepConfig   `json:"task,omitempty"`
	Condition  *ConditionConfig  `json:"condition,omitempty"`
	Parallel   *ParallelConfig   `json:"parallel,omitempty"`
	Sequential *SequentialConfig `json:"sequential,omitempty"`
	Loop       *LoopConfig       `json:"loop,omitempty"`
	Wait       *WaitConfig       `json:"wait,omitempty"`
	Webhook    *WebhookConfig    `json:"webhook,omitempty"`
	Custom     Payload           `json:"custom,omitempty"`
}

func (c StepConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *StepConfig) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = StepConfig{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("cannot scan %T into StepConfig", src)
}

// TaskStepConfig delegates a leaf step to the task runner registered
// for TaskType.
type TaskStepConfig struct {
	TaskType   string               `json:"task_type"`
	TaskConfig Payload              `json:"task_config,omitempty"`
	Resources  *ResourceRequirement `json:"resources,omitempty"`
}

// ConditionConfig evaluates Expression once when the step becomes
// ready; the unchosen path's steps are cancelled (skipped).
type ConditionConfig struct {
	Expression     string   `json:"expression"`
	TruePathSteps  []string `json:"true_path_steps,omitempty"`
	FalsePathSteps []string `json:"false_path_steps,omitempty"`
}

// ParallelConfig fans out over ChildStepIDs; the parallel step is
// terminal only once every child is terminal.
type ParallelConfig struct {
	ChildStepIDs []string `json:"child_step_ids"`
}

// SequentialConfig runs ChildStepIDs as an ordered chain; the first
// failure halts the chain.
type SequentialConfig struct {
	ChildStepIDs []string `json:"child_step_ids"`
}

// LoopConfig re-runs its body while Expression holds, up to
// MaxIterations. Exhausting MaxIterations without the predicate going
// false is a failure, not silent completion.
type LoopConfig struct {
	Expression    string   `json:"expression"`
	MaxIterations int      `json:"max_iterations"`
	BodyStepIDs   []string `json:"body_step_ids"`
}

// WaitConfig completes after Duration elapses or Condition becomes
// true, whichever first. At least one must be set.
type WaitConfig struct {
	Duration  *time.Duration `json:"duration,omitempty"`
	Condition string         `json:"condition,omitempty"`
}

// WebhookConfig describes the external-callback contract of a webhook
// step. The step blocks in RUNNING until the completion channel is
// signalled or the step's timeout fires.
type WebhookConfig struct {
	CallbackURL string `json:"callback_url,omitempty"`
	Secret      string `json:"secret,omitempty"`
}

// Validate checks that the config variant matches the step type and
// that variant-specific constraints hold.
func (s *WorkflowStep) Validate() error {
	set := 0
	c := s.Config
	for _, present := range []bool{
		c.Task != nil, c.Condition != nil, c.Parallel != nil,
		c.Sequential != nil, c.Loop != nil, c.Wait != nil,
		c.Webhook != nil, c.Custom != nil,
	} {
		if present {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("step %s: multiple config variants set", s.ID)
	}
	switch s.StepType {
	case TaskStep:
		if c.Task == nil || c.Task.TaskType == "" {
			return fmt.Errorf("step %s: task step requires task_type", s.ID)
		}
	case ConditionStep:
		if c.Condition == nil || c.Condition.Expression == "" {
			return fmt.Errorf("step %s: condition step requires an expression", s.ID)
		}
	case ParallelStep:
		if c.Parallel == nil || len(c.Parallel.ChildStepIDs) == 0 {
			return fmt.Errorf("step %s: parallel step requires child_step_ids", s.ID)
		}
	case SequentialStep:
		if c.Sequential == nil || len(c.Sequential.ChildStepIDs) == 0 {
			return fmt.Errorf("step %s: sequential step requires child_step_ids", s.ID)
		}
	case LoopStep:
		if c.Loop == nil || c.Loop.Expression == "" {
			return fmt.Errorf("step %s: loop step requires an expression", s.ID)
		}
		if c.Loop.MaxIterations <= 0 {
			return fmt.Errorf("step %s: loop step requires max_iterations > 0", s.ID)
		}
		if len(c.Loop.BodyStepIDs) == 0 {
			return fmt.Errorf("step %s: loop step requires body_step_ids", s.ID)
		}
	case WaitStep:
		if c.Wait == nil || (c.Wait.Duration == nil && c.Wait.Condition == "") {
			return fmt.Errorf("step %s: wait step requires a duration or condition", s.ID)
		}
	case WebhookStep:
		if c.Webhook == nil {
			return fmt.Errorf("step %s: webhook step requires a webhook config", s.ID)
		}
	case CustomStep:
		// opaque, anything goes
	default:
		return fmt.Errorf("step %s: unknown step type %q", s.ID, s.StepType)
	}
	return nil
}

// ChildIDs returns the step ids this control-flow step governs, empty
// for leaf steps.
func (s *WorkflowStep) ChildIDs() []string {
	switch {
	case s.Config.Parallel != nil:
		return s.Config.Parallel.ChildStepIDs
	case s.Config.Sequential != nil:
		return s.Config.Sequential.ChildStepIDs
	case s.Config.Loop != nil:
		return s.Config.Loop.BodyStepIDs
	case s.Config.Condition != nil:
		ids := make([]string, 0, len(s.Config.Condition.TruePathSteps)+len(s.Config.Condition.FalsePathSteps))
		ids = append(ids, s.Config.Condition.TruePathSteps...)
		return append(ids, s.Config.Condition.FalsePathSteps...)
	}
	return nil
}

// IsControlFlow reports whether the step is advanced by the
// orchestrator's event loop rather than dispatched to a worker.
func (s *WorkflowStep) IsControlFlow() bool {
	switch s.StepType {
	case ConditionStep, ParallelStep, SequentialStep, LoopStep:
		return true
	}
	return false
}
