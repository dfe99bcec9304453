package db

import (
	"database/sql"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/hooks"
	"github.com/fibrefield/fieldsync/internal/models"
	"github.com/fibrefield/fieldsync/internal/uuid"
)

// =====================================================
// Assignment Operations
// =====================================================

const assignmentColumns = `id, capture_id, technician_id, status, notes,
	due_at, accepted_at, completed_at, created_at, updated_at`

// CreateAssignment creates a new work order.
func (r *Repository) CreateAssignment(a *models.Assignment) error {
	if a.ID == "" {
		a.ID = models.UUID(uuid.New())
	}
	hooks.OnAssignmentCreate(a, r.now())

	query := `
	INSERT INTO assignments (` + assignmentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		a.ID, a.CaptureID, a.TechnicianID, a.Status, a.Notes,
		a.DueAt, a.AcceptedAt, a.CompletedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert assignment", err)
	}

	r.notify.publish(ChangeEvent{Table: "assignments", Op: OpCreate, ID: string(a.ID)})
	return nil
}

// GetAssignment retrieves an assignment by ID.
func (r *Repository) GetAssignment(id string) (*models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	a, err := scanAssignment(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "assignment %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get assignment", err)
	}
	return a, nil
}

// UpdateAssignment applies a partial mutation to an assignment.
func (r *Repository) UpdateAssignment(id string, mutate func(*models.Assignment) error) (*models.Assignment, error) {
	before, err := r.GetAssignment(id)
	if err != nil {
		return nil, err
	}

	after := *before
	if err := mutate(&after); err != nil {
		return nil, err
	}
	after.ID = before.ID

	hooks.OnAssignmentUpdate(before, &after, r.now())

	query := `
	UPDATE assignments SET
		capture_id = ?, technician_id = ?, status = ?, notes = ?,
		due_at = ?, accepted_at = ?, completed_at = ?, created_at = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = r.db.Exec(query,
		after.CaptureID, after.TechnicianID, after.Status, after.Notes,
		after.DueAt, after.AcceptedAt, after.CompletedAt, after.CreatedAt, after.UpdatedAt,
		after.ID,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to update assignment", err)
	}

	r.notify.publish(ChangeEvent{Table: "assignments", Op: OpUpdate, ID: string(after.ID)})
	return &after, nil
}

// ListAssignmentsByCapture returns the work orders for a capture.
func (r *Repository) ListAssignmentsByCapture(captureID string) ([]*models.Assignment, error) {
	return r.queryAssignments(
		`SELECT `+assignmentColumns+` FROM assignments WHERE capture_id = ? ORDER BY created_at`, captureID)
}

// ListAssignmentsByTechnician returns a technician's work orders,
// optionally filtered by status.
func (r *Repository) ListAssignmentsByTechnician(technicianID string, status models.AssignmentStatus) ([]*models.Assignment, error) {
	if status == "" {
		return r.queryAssignments(
			`SELECT `+assignmentColumns+` FROM assignments WHERE technician_id = ? ORDER BY created_at`, technicianID)
	}
	return r.queryAssignments(
		`SELECT `+assignmentColumns+` FROM assignments WHERE technician_id = ? AND status = ? ORDER BY created_at`,
		technicianID, status)
}

func (r *Repository) queryAssignments(query string, args ...interface{}) ([]*models.Assignment, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query assignments", err)
	}
	defer rows.Close()

	var assignments []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan assignment", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	err := row.Scan(
		&a.ID, &a.CaptureID, &a.TechnicianID, &a.Status, &a.Notes,
		&a.DueAt, &a.AcceptedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
