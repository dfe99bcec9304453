// Package db provides CRUD repository operations over the local store.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/hooks"
	"github.com/fibrefield/fieldsync/internal/models"
	"github.com/fibrefield/fieldsync/internal/uuid"
)

// Repository provides CRUD operations for all models. Every mutation
// runs through the lifecycle hooks, so stamping and versioning are
// consistent regardless of which service issued the write.
type Repository struct {
	db     *sql.DB
	notify *notifier
	now    func() time.Time

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{
		db:     db.DB,
		notify: newNotifier(),
		now:    time.Now,
	}
}

// SetClock replaces the repository clock. Used by tests that need
// deterministic timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Subscribe registers a live-query style subscription: the returned
// channel re-emits on every committed write to the named table. An empty
// table name subscribes to all tables. Call cancel to release it.
func (r *Repository) Subscribe(table string) (<-chan ChangeEvent, func()) {
	return r.notify.subscribe(table)
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate.
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// withTx runs fn inside a transaction. All writes commit atomically or
// none do.
func (r *Repository) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// =====================================================
// Capture Operations
// =====================================================

const captureColumns = `id, project_id, pole_number, drop_number, customer_name, customer_address,
	status, sync_status, sync_error, remote_id, version, local_version,
	workflow, photos, required_photos, completed_photos,
	pole_location, gps_location, installation, approval, requires_rework,
	captured_at, synced_at, created_at, updated_at`

// CreateCapture creates a new capture record. The ID is kept when the
// caller supplies a business key (e.g. a pole number), otherwise one is
// generated.
func (r *Repository) CreateCapture(c *models.Capture) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	hooks.OnCaptureCreate(c, r.now())

	workflow, photos, required, completed, pole, gps, installation, approval, err := encodeCaptureJSON(c)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO captures (` + captureColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		c.ID, c.ProjectID, c.PoleNumber, c.DropNumber, c.CustomerName, c.CustomerAddress,
		c.Status, c.SyncStatus, c.SyncError, c.RemoteID, c.Version, c.LocalVersion,
		workflow, photos, required, completed,
		pole, gps, installation, approval, c.RequiresRework,
		c.CapturedAt, c.SyncedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert capture", err)
	}

	r.notify.publish(ChangeEvent{Table: "captures", Op: OpCreate, ID: string(c.ID)})
	return nil
}

// GetCapture retrieves a capture by ID.
func (r *Repository) GetCapture(id string) (*models.Capture, error) {
	query := `SELECT ` + captureColumns + ` FROM captures WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	c, err := scanCapture(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "capture %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get capture", err)
	}
	return c, nil
}

// UpdateCapture applies a partial mutation to a capture. The record is
// read, the mutator applied to a copy, the update hooks run against the
// before/after pair, and the full row written back. Unspecified fields
// are never dropped. Returns the updated record.
func (r *Repository) UpdateCapture(id string, mutate func(*models.Capture) error) (*models.Capture, error) {
	before, err := r.GetCapture(id)
	if err != nil {
		return nil, err
	}

	after, err := cloneCapture(before)
	if err != nil {
		return nil, err
	}
	if err := mutate(after); err != nil {
		return nil, err
	}

	// ID is the primary key; a mutator must not rewrite it.
	after.ID = before.ID

	hooks.OnCaptureUpdate(before, after, r.now())

	if err := r.writeCapture(after); err != nil {
		return nil, err
	}

	r.notify.publish(ChangeEvent{Table: "captures", Op: OpUpdate, ID: string(after.ID)})
	return after, nil
}

// UpdateCaptureSyncMeta writes sync bookkeeping fields without running
// the update hooks. Recording a sync outcome must not advance
// LocalVersion or re-dirty the record the way a business mutation does.
func (r *Repository) UpdateCaptureSyncMeta(id string, mutate func(*models.Capture) error) (*models.Capture, error) {
	before, err := r.GetCapture(id)
	if err != nil {
		return nil, err
	}

	after, err := cloneCapture(before)
	if err != nil {
		return nil, err
	}
	if err := mutate(after); err != nil {
		return nil, err
	}
	after.ID = before.ID
	after.UpdatedAt = r.now().Unix()

	if err := r.writeCapture(after); err != nil {
		return nil, err
	}

	r.notify.publish(ChangeEvent{Table: "captures", Op: OpUpdate, ID: string(after.ID)})
	return after, nil
}

// writeCapture replaces the full capture row.
func (r *Repository) writeCapture(c *models.Capture) error {
	workflow, photos, required, completed, pole, gps, installation, approval, err := encodeCaptureJSON(c)
	if err != nil {
		return err
	}

	query := `
	UPDATE captures SET
		project_id = ?, pole_number = ?, drop_number = ?, customer_name = ?, customer_address = ?,
		status = ?, sync_status = ?, sync_error = ?, remote_id = ?, version = ?, local_version = ?,
		workflow = ?, photos = ?, required_photos = ?, completed_photos = ?,
		pole_location = ?, gps_location = ?, installation = ?, approval = ?, requires_rework = ?,
		captured_at = ?, synced_at = ?, created_at = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := r.db.Exec(query,
		c.ProjectID, c.PoleNumber, c.DropNumber, c.CustomerName, c.CustomerAddress,
		c.Status, c.SyncStatus, c.SyncError, c.RemoteID, c.Version, c.LocalVersion,
		workflow, photos, required, completed,
		pole, gps, installation, approval, c.RequiresRework,
		c.CapturedAt, c.SyncedAt, c.CreatedAt, c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update capture", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "capture %s not found", c.ID)
	}
	return nil
}

// DeleteCapture cascade-deletes a capture: within one transaction all
// photo records and sync queue items referencing the capture are removed
// first, then the capture itself. No orphans survive a partial failure.
func (r *Repository) DeleteCapture(id string) error {
	err := r.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM photos WHERE capture_id = ?", id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete capture photos", err)
		}
		if _, err := tx.Exec("DELETE FROM sync_queue WHERE entity_id = ?", id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete capture queue items", err)
		}
		res, err := tx.Exec("DELETE FROM captures WHERE id = ?", id)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete capture", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Newf(errors.ErrNotFound, "capture %s not found", id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.notify.publish(ChangeEvent{Table: "captures", Op: OpDelete, ID: id})
	return nil
}

// ListCapturesByProject returns captures for a project, optionally
// filtered by status. Uses the (project_id, status) index.
func (r *Repository) ListCapturesByProject(projectID string, status models.CaptureStatus) ([]*models.Capture, error) {
	if status == "" {
		return r.queryCaptures(
			`SELECT `+captureColumns+` FROM captures WHERE project_id = ? ORDER BY created_at`, projectID)
	}
	return r.queryCaptures(
		`SELECT `+captureColumns+` FROM captures WHERE project_id = ? AND status = ? ORDER BY created_at`,
		projectID, status)
}

// ListCapturesByPole returns captures for a pole number, optionally
// filtered by status. Uses the (pole_number, status) index.
func (r *Repository) ListCapturesByPole(poleNumber string, status models.CaptureStatus) ([]*models.Capture, error) {
	if status == "" {
		return r.queryCaptures(
			`SELECT `+captureColumns+` FROM captures WHERE pole_number = ? ORDER BY created_at`, poleNumber)
	}
	return r.queryCaptures(
		`SELECT `+captureColumns+` FROM captures WHERE pole_number = ? AND status = ? ORDER BY created_at`,
		poleNumber, status)
}

// ListSyncErrorCaptures returns captures whose last sync attempt failed,
// so the user can inspect and retry them.
func (r *Repository) ListSyncErrorCaptures() ([]*models.Capture, error) {
	return r.queryCaptures(
		`SELECT `+captureColumns+` FROM captures WHERE sync_status = ? ORDER BY updated_at`, models.SyncStateError)
}

// ListCaptures returns captures page by page in creation order. A
// non-positive limit returns everything.
func (r *Repository) ListCaptures(limit, offset int) ([]*models.Capture, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.queryCaptures(
		`SELECT `+captureColumns+` FROM captures ORDER BY created_at LIMIT ? OFFSET ?`, limit, offset)
}

func (r *Repository) queryCaptures(query string, args ...interface{}) ([]*models.Capture, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query captures", err)
	}
	defer rows.Close()

	var captures []*models.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan capture", err)
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapture(row rowScanner) (*models.Capture, error) {
	var c models.Capture
	var workflow, photos, required, completed string
	var pole, gps, installation, approval sql.NullString

	err := row.Scan(
		&c.ID, &c.ProjectID, &c.PoleNumber, &c.DropNumber, &c.CustomerName, &c.CustomerAddress,
		&c.Status, &c.SyncStatus, &c.SyncError, &c.RemoteID, &c.Version, &c.LocalVersion,
		&workflow, &photos, &required, &completed,
		&pole, &gps, &installation, &approval, &c.RequiresRework,
		&c.CapturedAt, &c.SyncedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pole.Valid && pole.String != "" {
		if err := json.Unmarshal([]byte(pole.String), &c.PoleLocation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pole location: %w", err)
		}
	}

	if err := json.Unmarshal([]byte(workflow), &c.Workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(photos), &c.Photos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal photos: %w", err)
	}
	if err := json.Unmarshal([]byte(required), &c.RequiredPhotos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal required photos: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &c.CompletedPhotos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed photos: %w", err)
	}
	if gps.Valid && gps.String != "" {
		if err := json.Unmarshal([]byte(gps.String), &c.GPSLocation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gps location: %w", err)
		}
	}
	if installation.Valid && installation.String != "" {
		if err := json.Unmarshal([]byte(installation.String), &c.Installation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal installation: %w", err)
		}
	}
	if approval.Valid && approval.String != "" {
		if err := json.Unmarshal([]byte(approval.String), &c.Approval); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
		}
	}

	return &c, nil
}

// encodeCaptureJSON marshals the nested capture fields for storage.
func encodeCaptureJSON(c *models.Capture) (workflow, photos, required, completed string, pole, gps, installation, approval interface{}, err error) {
	marshal := func(v interface{}) (string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return "", errors.Wrap(errors.ErrInternal, "failed to marshal capture field", err)
		}
		return string(data), nil
	}

	if workflow, err = marshal(c.Workflow); err != nil {
		return
	}
	if photos, err = marshal(c.Photos); err != nil {
		return
	}
	if required, err = marshal(c.RequiredPhotos); err != nil {
		return
	}
	if completed, err = marshal(c.CompletedPhotos); err != nil {
		return
	}

	nullable := func(v interface{}, isNil bool) (interface{}, error) {
		if isNil {
			return nil, nil
		}
		s, err := marshal(v)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	if pole, err = nullable(c.PoleLocation, c.PoleLocation == nil); err != nil {
		return
	}
	if gps, err = nullable(c.GPSLocation, c.GPSLocation == nil); err != nil {
		return
	}
	if installation, err = nullable(c.Installation, c.Installation == nil); err != nil {
		return
	}
	approval, err = nullable(c.Approval, c.Approval == nil)
	return
}

// cloneCapture deep-copies a capture via a JSON round trip so mutators
// cannot alias the before-state.
func cloneCapture(c *models.Capture) (*models.Capture, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to clone capture", err)
	}
	var out models.Capture
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to clone capture", err)
	}
	return &out, nil
}
