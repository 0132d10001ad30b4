package models

// DependencyKind classifies how a dependency edge is satisfied.
type DependencyKind string

const (
	// CompletionDependency is satisfied when the upstream node
	// reaches terminal success.
	CompletionDependency DependencyKind = "completion"
	// DataDependency additionally requires the upstream's output
	// payload to be populated.
	DataDependency DependencyKind = "data"
	// ResourceDependency is satisfied when the upstream has finished
	// and released its claim (terminal success).
	ResourceDependency DependencyKind = "resource"
	// ConditionalDependency is satisfied when the upstream succeeded
	// and the edge's condition expression evaluates true.
	ConditionalDependency DependencyKind = "conditional"
)

// TaskDependency is a directed edge: TaskID depends on DependsOn.
// Self-edges are forbidden and the edge set must stay acyclic.
// Optional edges do not propagate upstream failure to the dependent.
type TaskDependency struct {
	TaskID     string         `json:"task_id" db:"task_id"`
	DependsOn  string         `json:"depends_on" db:"depends_on"`
	Kind       DependencyKind `json:"kind" db:"kind"`
	Condition  string         `json:"condition,omitempty" db:"condition"`
	Optional   bool           `json:"optional" db:"optional"`
	WorkflowID *int64         `json:"workflow_id,omitempty" db:"workflow_id"`
}

// StepDependency is the step-graph analogue of TaskDependency, scoped
// to a single workflow.
type StepDependency struct {
	StepID     string         `json:"step_id" db:"step_id"`
	DependsOn  string         `json:"depends_on" db:"depends_on"`
	Kind       DependencyKind `json:"kind" db:"kind"`
	Condition  string         `json:"condition,omitempty" db:"condition"`
	Optional   bool           `json:"optional" db:"optional"`
	WorkflowID int64          `json:"workflow_id" db:"workflow_id"`
}
