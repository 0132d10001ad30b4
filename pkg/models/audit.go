package models

import "time"

// AuditEntry is an append-only record of a node state transition.
type AuditEntry struct {
	ID         int64      `json:"id" db:"id"`
	WorkflowID *int64     `json:"workflow_id,omitempty" db:"workflow_id"`
	NodeID     string     `json:"node_id" db:"node_id"`
	FromStatus TaskStatus `json:"from_status" db:"from_status"`
	ToStatus   TaskStatus `json:"to_status" db:"to_status"`
	Message    string     `json:"message,omitempty" db:"message"`
	LoggedAt   time.Time  `json:"logged_at" db:"logged_at"`
}
