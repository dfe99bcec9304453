package db

import (
	"database/sql"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/hooks"
	"github.com/fibrefield/fieldsync/internal/models"
	"github.com/fibrefield/fieldsync/internal/uuid"
)

// =====================================================
// Photo Operations
// =====================================================

const photoColumns = `id, capture_id, type, upload_status, upload_url, upload_error,
	local_path, mime_type, size, original_size, compressed,
	captured_at, uploaded_at, created_at, updated_at`

// CreatePhoto creates a new photo record.
func (r *Repository) CreatePhoto(p *models.Photo) error {
	if p.ID == "" {
		p.ID = models.UUID(uuid.New())
	}
	hooks.OnPhotoCreate(p, r.now())

	query := `
	INSERT INTO photos (` + photoColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		p.ID, p.CaptureID, p.Type, p.UploadStatus, p.UploadURL, p.UploadError,
		p.LocalPath, p.MimeType, p.Size, p.OriginalSize, p.Compressed,
		p.CapturedAt, p.UploadedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert photo", err)
	}

	r.notify.publish(ChangeEvent{Table: "photos", Op: OpCreate, ID: string(p.ID)})
	return nil
}

// GetPhoto retrieves a photo by ID.
func (r *Repository) GetPhoto(id string) (*models.Photo, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	p, err := scanPhoto(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "photo %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get photo", err)
	}
	return p, nil
}

// UpdatePhoto applies a partial mutation to a photo record, running the
// photo update hooks against the before/after pair.
func (r *Repository) UpdatePhoto(id string, mutate func(*models.Photo) error) (*models.Photo, error) {
	before, err := r.GetPhoto(id)
	if err != nil {
		return nil, err
	}

	after := *before
	if err := mutate(&after); err != nil {
		return nil, err
	}
	after.ID = before.ID

	hooks.OnPhotoUpdate(before, &after, r.now())

	query := `
	UPDATE photos SET
		capture_id = ?, type = ?, upload_status = ?, upload_url = ?, upload_error = ?,
		local_path = ?, mime_type = ?, size = ?, original_size = ?, compressed = ?,
		captured_at = ?, uploaded_at = ?, created_at = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = r.db.Exec(query,
		after.CaptureID, after.Type, after.UploadStatus, after.UploadURL, after.UploadError,
		after.LocalPath, after.MimeType, after.Size, after.OriginalSize, after.Compressed,
		after.CapturedAt, after.UploadedAt, after.CreatedAt, after.UpdatedAt,
		after.ID,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to update photo", err)
	}

	r.notify.publish(ChangeEvent{Table: "photos", Op: OpUpdate, ID: string(after.ID)})
	return &after, nil
}

// DeletePhoto removes a photo record. Used by retake replacement; normal
// removal happens via the capture cascade.
func (r *Repository) DeletePhoto(id string) error {
	res, err := r.db.Exec("DELETE FROM photos WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete photo", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "photo %s not found", id)
	}

	r.notify.publish(ChangeEvent{Table: "photos", Op: OpDelete, ID: id})
	return nil
}

// ListPhotosByCapture returns all photos for a capture. Uses the
// (capture_id, type) index.
func (r *Repository) ListPhotosByCapture(captureID string) ([]*models.Photo, error) {
	return r.queryPhotos(
		`SELECT `+photoColumns+` FROM photos WHERE capture_id = ? ORDER BY captured_at`, captureID)
}

// ListPhotosByType returns the photos of one type for a capture, newest
// first. Retakes produce multiple rows for the same type.
func (r *Repository) ListPhotosByType(captureID, photoType string) ([]*models.Photo, error) {
	return r.queryPhotos(
		`SELECT `+photoColumns+` FROM photos WHERE capture_id = ? AND type = ? ORDER BY captured_at DESC`,
		captureID, photoType)
}

func (r *Repository) queryPhotos(query string, args ...interface{}) ([]*models.Photo, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query photos", err)
	}
	defer rows.Close()

	var photos []*models.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan photo", err)
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func scanPhoto(row rowScanner) (*models.Photo, error) {
	var p models.Photo
	err := row.Scan(
		&p.ID, &p.CaptureID, &p.Type, &p.UploadStatus, &p.UploadURL, &p.UploadError,
		&p.LocalPath, &p.MimeType, &p.Size, &p.OriginalSize, &p.Compressed,
		&p.CapturedAt, &p.UploadedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
