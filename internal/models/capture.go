// Package models provides data model definitions for the FibreField sync core.
package models

import "time"

// CaptureStatus represents the business status of a field capture.
type CaptureStatus string

const (
	CaptureStatusDraft           CaptureStatus = "draft"
	CaptureStatusAssigned        CaptureStatus = "assigned"
	CaptureStatusInProgress      CaptureStatus = "in_progress"
	CaptureStatusCaptured        CaptureStatus = "captured"
	CaptureStatusPendingApproval CaptureStatus = "pending_approval"
	CaptureStatusApproved        CaptureStatus = "approved"
	CaptureStatusRejected        CaptureStatus = "rejected"
	CaptureStatusSynced          CaptureStatus = "synced"
	CaptureStatusError           CaptureStatus = "error"
)

// SyncState represents the sync status of a record, independent of its
// business status.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateError   SyncState = "error"
)

// Workflow step names, in order.
const (
	StepAssignments = "assignments"
	StepGPS         = "gps"
	StepPhotos      = "photos"
	StepReview      = "review"
)

// WorkflowSteps lists the capture workflow steps in their fixed order.
var WorkflowSteps = []string{StepAssignments, StepGPS, StepPhotos, StepReview}

// RequiredPhotoTypes is the fixed set of photo types that must all be
// present before a capture can reach the captured status.
var RequiredPhotoTypes = []string{
	"power-meter-test",
	"fibertime-setup-confirmation",
	"fibertime-device-actions",
	"router-4-lights-status",
}

// Workflow tracks per-capture progress through the capture steps.
type Workflow struct {
	CurrentStep    int              `json:"current_step"`
	TotalSteps     int              `json:"total_steps"`
	LastSavedStep  int              `json:"last_saved_step"`
	Steps          map[string]bool  `json:"steps"`
	StepTimestamps map[string]int64 `json:"step_timestamps,omitempty"`
}

// NewWorkflow returns a workflow positioned at step 1 with all step flags
// cleared.
func NewWorkflow() *Workflow {
	steps := make(map[string]bool, len(WorkflowSteps))
	for _, s := range WorkflowSteps {
		steps[s] = false
	}
	return &Workflow{
		CurrentStep:    1,
		TotalSteps:     len(WorkflowSteps),
		LastSavedStep:  1,
		Steps:          steps,
		StepTimestamps: make(map[string]int64),
	}
}

// Complete reports whether every workflow step flag is set.
func (w *Workflow) Complete() bool {
	for _, s := range WorkflowSteps {
		if !w.Steps[s] {
			return false
		}
	}
	return true
}

// StepOrdinal returns the 1-based position of a step name, or 0 if the
// step is unknown.
func StepOrdinal(step string) int {
	for i, s := range WorkflowSteps {
		if s == step {
			return i + 1
		}
	}
	return 0
}

// GPSLocation is a captured coordinate reading.
type GPSLocation struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Accuracy         float64 `json:"accuracy"` // meters
	DistanceFromPole float64 `json:"distance_from_pole,omitempty"`
	CapturedAt       int64   `json:"captured_at,omitempty"`
}

// Installation holds the equipment and service payload for a capture.
// The sync engine treats it as opaque apart from completeness checks.
type Installation struct {
	Equipment     map[string]string `json:"equipment,omitempty"`
	PowerReadings map[string]string `json:"power_readings,omitempty"`
	ServiceConfig map[string]string `json:"service_config,omitempty"`
}

// ApprovalState represents the review outcome for a capture.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Approval records the review decision for a submitted capture.
type Approval struct {
	Status     ApprovalState `json:"status"`
	ApprovedBy string        `json:"approved_by,omitempty"`
	ApprovedAt int64         `json:"approved_at,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Notes      string        `json:"notes,omitempty"`
}

// PhotoSummary is the embedded photo entry kept on the capture record.
type PhotoSummary struct {
	ID         UUID   `json:"id"`
	Type       string `json:"type"`
	CapturedAt int64  `json:"captured_at"`
}

// Capture represents one field job (pole installation or home drop).
type Capture struct {
	ID         UUID          `db:"id" json:"id"`
	ProjectID  string        `db:"project_id" json:"project_id"`
	PoleNumber string        `db:"pole_number" json:"pole_number"`
	DropNumber string        `db:"drop_number" json:"drop_number,omitempty"`

	CustomerName    string `db:"customer_name" json:"customer_name,omitempty"`
	CustomerAddress string `db:"customer_address" json:"customer_address,omitempty"`

	Status     CaptureStatus `db:"status" json:"status"`
	SyncStatus SyncState     `db:"sync_status" json:"sync_status"`
	SyncError  string        `db:"sync_error" json:"sync_error,omitempty"`
	RemoteID   string        `db:"remote_id" json:"remote_id,omitempty"`

	Version      int `db:"version" json:"version"`
	LocalVersion int `db:"local_version" json:"local_version"`

	Workflow        *Workflow      `db:"workflow" json:"workflow"`
	Photos          []PhotoSummary `db:"photos" json:"photos"`
	RequiredPhotos  []string       `db:"required_photos" json:"required_photos"`
	CompletedPhotos []string       `db:"completed_photos" json:"completed_photos"`

	// PoleLocation is the planned pole coordinate from the work order,
	// used to gate captured GPS readings by distance.
	PoleLocation *GPSLocation  `db:"pole_location" json:"pole_location,omitempty"`
	GPSLocation  *GPSLocation  `db:"gps_location" json:"gps_location,omitempty"`
	Installation *Installation `db:"installation" json:"installation,omitempty"`
	Approval     *Approval     `db:"approval" json:"approval,omitempty"`

	RequiresRework bool `db:"requires_rework" json:"requires_rework"`

	CapturedAt int64 `db:"captured_at" json:"captured_at,omitempty"`
	SyncedAt   int64 `db:"synced_at" json:"synced_at,omitempty"`
	CreatedAt  int64 `db:"created_at" json:"created_at"`
	UpdatedAt  int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Capture.
func (Capture) TableName() string {
	return "captures"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *Capture) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}

// HasAllRequiredPhotos reports whether CompletedPhotos covers every type
// in RequiredPhotos. Set semantics: a type counts once regardless of how
// many retakes exist.
func (c *Capture) HasAllRequiredPhotos() bool {
	have := make(map[string]bool, len(c.CompletedPhotos))
	for _, t := range c.CompletedPhotos {
		have[t] = true
	}
	for _, t := range c.RequiredPhotos {
		if !have[t] {
			return false
		}
	}
	return true
}

// RecomputeCompletedPhotos rebuilds CompletedPhotos as the de-duplicated
// set of types present in Photos, preserving required-photo order.
func (c *Capture) RecomputeCompletedPhotos() {
	have := make(map[string]bool, len(c.Photos))
	for _, p := range c.Photos {
		have[p.Type] = true
	}
	completed := make([]string, 0, len(have))
	for _, t := range c.RequiredPhotos {
		if have[t] {
			completed = append(completed, t)
		}
	}
	c.CompletedPhotos = completed
}
