package models

import "time"

// Workflow is a named, versioned container owning zero or more tasks
// and exactly one step graph. Status moves DRAFT -> READY once the
// step graph validates, READY -> RUNNING when dispatch begins, and to
// a terminal state when every reachable step is terminal or the
// workflow timeout fires.
type Workflow struct {
	ID               int64          `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	Version          int            `json:"version" db:"version"`
	Status           WorkflowStatus `json:"status" db:"status"`
	MaxParallelSteps int            `json:"max_parallel_steps" db:"max_parallel_steps"`
	Timeout          *time.Duration `json:"timeout,omitempty" db:"timeout"`
	RetryFailedSteps bool           `json:"retry_failed_steps" db:"retry_failed_steps"`
	Context          Payload        `json:"context,omitempty" db:"context"`
	Results          Payload        `json:"results,omitempty" db:"results"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" db:"completed_at"`

	// Populated by LoadGraph, not stored on the workflow row.
	Steps        []WorkflowStep   `json:"steps,omitempty" db:"-"`
	Dependencies []StepDependency `json:"dependencies,omitempty" db:"-"`
}
