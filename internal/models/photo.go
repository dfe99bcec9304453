// Package models provides data model definitions for the FibreField sync core.
package models

import "time"

// UploadStatus represents the upload status of a photo, independent of the
// parent capture's sync status.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusError     UploadStatus = "error"
)

// Photo represents a binary capture tied to a parent capture record via
// CaptureID. The foreign key is logical, not enforced by the store.
type Photo struct {
	ID        UUID   `db:"id" json:"id"`
	CaptureID UUID   `db:"capture_id" json:"capture_id"`
	Type      string `db:"type" json:"type"`

	UploadStatus UploadStatus `db:"upload_status" json:"upload_status"`
	UploadURL    string       `db:"upload_url" json:"upload_url,omitempty"`
	UploadError  string       `db:"upload_error" json:"upload_error,omitempty"`

	LocalPath string `db:"local_path" json:"local_path,omitempty"`
	MimeType  string `db:"mime_type" json:"mime_type,omitempty"`

	// Size is the stored byte size. Once Compressed is true, Size must
	// not exceed OriginalSize.
	Size         int64 `db:"size" json:"size"`
	OriginalSize int64 `db:"original_size" json:"original_size"`
	Compressed   bool  `db:"compressed" json:"compressed"`

	CapturedAt int64 `db:"captured_at" json:"captured_at"`
	UploadedAt int64 `db:"uploaded_at" json:"uploaded_at,omitempty"`
	CreatedAt  int64 `db:"created_at" json:"created_at"`
	UpdatedAt  int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Photo.
func (Photo) TableName() string {
	return "photos"
}

// UploadedAtTime returns UploadedAt as time.Time.
func (p *Photo) UploadedAtTime() time.Time {
	return time.Unix(p.UploadedAt, 0)
}
