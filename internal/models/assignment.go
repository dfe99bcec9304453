// Package models provides data model definitions for the FibreField sync core.
package models

// AssignmentStatus represents the status of a work order, independent of
// the capture's business status.
type AssignmentStatus string

const (
	AssignmentStatusPending    AssignmentStatus = "pending"
	AssignmentStatusAccepted   AssignmentStatus = "accepted"
	AssignmentStatusInProgress AssignmentStatus = "in_progress"
	AssignmentStatusCompleted  AssignmentStatus = "completed"
	AssignmentStatusCancelled  AssignmentStatus = "cancelled"
	AssignmentStatusExpired    AssignmentStatus = "expired"
)

// Assignment is a work order linking a technician to a capture record.
type Assignment struct {
	ID           UUID             `db:"id" json:"id"`
	CaptureID    UUID             `db:"capture_id" json:"capture_id"`
	TechnicianID string           `db:"technician_id" json:"technician_id"`
	Status       AssignmentStatus `db:"status" json:"status"`
	Notes        string           `db:"notes" json:"notes,omitempty"`
	DueAt        int64            `db:"due_at" json:"due_at,omitempty"`
	AcceptedAt   int64            `db:"accepted_at" json:"accepted_at,omitempty"`
	CompletedAt  int64            `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    int64            `db:"created_at" json:"created_at"`
	UpdatedAt    int64            `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Assignment.
func (Assignment) TableName() string {
	return "assignments"
}
