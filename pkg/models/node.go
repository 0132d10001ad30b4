package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is an opaque JSON document (task input/output, workflow
// context/results, step configuration). Stored as JSONB.
type Payload map[string]interface{}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src interface{}) error {
	if src == nil {
		*p = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return fmt.Errorf("cannot scan %T into Payload", src)
}

// NodeMeta holds the lifecycle fields common to tasks and workflow
// steps. The scheduler, executor and retry manager operate on nodes
// through this embedded struct; status and timestamps are mutated only
// by the engine's transitioner.
type NodeMeta struct {
	Status      TaskStatus     `json:"status" db:"status"`
	Priority    int            `json:"priority" db:"priority"` // 1 (lowest) to 5 (highest)
	MaxRetries  int            `json:"max_retries" db:"max_retries"`
	RetryCount  int            `json:"retry_count" db:"retry_count"`
	Timeout     *time.Duration `json:"timeout,omitempty" db:"timeout"`   // per-attempt ceiling
	Deadline    *time.Time     `json:"deadline,omitempty" db:"deadline"` // absolute, never retried past
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty" db:"next_retry_at"`
	InputData   Payload        `json:"input_data,omitempty" db:"input_data"`
	OutputData  Payload        `json:"output_data,omitempty" db:"output_data"`
	ErrorInfo   string         `json:"error_info,omitempty" db:"error_info"`
}

// RetryBudgetLeft reports whether another retry attempt is permitted.
func (n *NodeMeta) RetryBudgetLeft() bool {
	return n.RetryCount < n.MaxRetries
}
