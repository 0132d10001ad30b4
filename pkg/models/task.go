package models

import "time"

// Task represents a unit of schedulable work, optionally owned by a
// workflow and optionally nested under a parent task. Nested subtasks
// follow the same lifecycle rules recursively; deleting a task cascades
// to its dependency edges and subtasks.
type Task struct {
	NodeMeta

	ID                string               `json:"id" db:"id"`
	WorkflowID        *int64               `json:"workflow_id,omitempty" db:"workflow_id"`
	ParentTaskID      *string              `json:"parent_task_id,omitempty" db:"parent_task_id"`
	Name              string               `json:"name" db:"name"`
	TaskType          string               `json:"task_type" db:"task_type"`
	EstimatedDuration *time.Duration       `json:"estimated_duration,omitempty" db:"estimated_duration"`
	ActualDuration    *time.Duration       `json:"actual_duration,omitempty" db:"actual_duration"`
	ExecutionContext  Payload              `json:"execution_context,omitempty" db:"execution_context"`
	Resources         *ResourceRequirement `json:"resources,omitempty" db:"-"`
}

// ResourceRequirement is a task's optional resource claim. A nil
// requirement means the task is unconstrained and always admissible.
type ResourceRequirement struct {
	TaskID       string           `json:"task_id" db:"task_id"`
	CPUCores     float64          `json:"cpu_cores" db:"cpu_cores"`
	MemoryMB     int64            `json:"memory_mb" db:"memory_mb"`
	GPU          bool             `json:"gpu" db:"gpu"`
	DiskMB       int64            `json:"disk_mb" db:"disk_mb"`
	NetworkClass string           `json:"network_class,omitempty" db:"network_class"`
	Custom       map[string]int64 `json:"custom,omitempty" db:"-"`
}
