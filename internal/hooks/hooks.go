// Package hooks enforces record invariants at the point of mutation.
// Every write path through the repository runs these, so stamping and
// versioning behave the same no matter which service issued the write.
package hooks

import (
	"reflect"
	"time"

	"github.com/fibrefield/fieldsync/internal/models"
)

// OnCaptureCreate initializes a freshly created capture: timestamps,
// sync state, versions, workflow, and the required-photo set.
func OnCaptureCreate(c *models.Capture, now time.Time) {
	ts := now.Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = ts
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = ts
	}
	if c.Status == "" {
		c.Status = models.CaptureStatusDraft
	}
	c.SyncStatus = models.SyncStatePending
	c.Version = 1
	c.LocalVersion = 1
	if c.Workflow == nil {
		c.Workflow = models.NewWorkflow()
	}
	if len(c.RequiredPhotos) == 0 {
		c.RequiredPhotos = append([]string(nil), models.RequiredPhotoTypes...)
	}
	if c.Photos == nil {
		c.Photos = []models.PhotoSummary{}
	}
	if c.CompletedPhotos == nil {
		c.CompletedPhotos = []string{}
	}
}

// OnCaptureUpdate applies update-time invariants by comparing the record
// before and after the mutation. It always stamps UpdatedAt and bumps
// LocalVersion; a change to business payload fields while the record was
// synced flips SyncStatus back to pending.
func OnCaptureUpdate(before, after *models.Capture, now time.Time) {
	after.UpdatedAt = now.Unix()
	after.LocalVersion = before.LocalVersion + 1

	if before.SyncStatus == models.SyncStateSynced && businessFieldsChanged(before, after) {
		after.SyncStatus = models.SyncStatePending
	}

	deriveWorkflowFlags(after, now)
}

// businessFieldsChanged reports whether the mutation touched fields that
// invalidate a prior sync.
func businessFieldsChanged(before, after *models.Capture) bool {
	if before.Status != after.Status {
		return true
	}
	if !reflect.DeepEqual(before.Installation, after.Installation) {
		return true
	}
	if !reflect.DeepEqual(before.Photos, after.Photos) {
		return true
	}
	return false
}

// deriveWorkflowFlags re-derives the photos and gps step flags from the
// record state. Flags are only ever raised here, never cleared.
func deriveWorkflowFlags(c *models.Capture, now time.Time) {
	if c.Workflow == nil {
		return
	}
	if c.GPSLocation != nil && !c.Workflow.Steps[models.StepGPS] {
		c.Workflow.Steps[models.StepGPS] = true
		stampStep(c.Workflow, models.StepGPS, now)
	}
	if c.HasAllRequiredPhotos() && !c.Workflow.Steps[models.StepPhotos] {
		c.Workflow.Steps[models.StepPhotos] = true
		stampStep(c.Workflow, models.StepPhotos, now)
	}
}

func stampStep(w *models.Workflow, step string, now time.Time) {
	if w.StepTimestamps == nil {
		w.StepTimestamps = make(map[string]int64)
	}
	w.StepTimestamps[step+"Completed"] = now.Unix()
}

// OnPhotoCreate stamps a freshly captured photo.
func OnPhotoCreate(p *models.Photo, now time.Time) {
	ts := now.Unix()
	if p.CapturedAt == 0 {
		p.CapturedAt = ts
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
	if p.UploadStatus == "" {
		p.UploadStatus = models.UploadStatusPending
	}
	if p.OriginalSize == 0 {
		p.OriginalSize = p.Size
	}
}

// OnPhotoUpdate stamps UpdatedAt and records UploadedAt when the upload
// status transitions to uploaded.
func OnPhotoUpdate(before, after *models.Photo, now time.Time) {
	after.UpdatedAt = now.Unix()
	if before.UploadStatus != models.UploadStatusUploaded &&
		after.UploadStatus == models.UploadStatusUploaded &&
		after.UploadedAt == 0 {
		after.UploadedAt = now.Unix()
	}
}

// OnAssignmentCreate stamps a freshly created assignment.
func OnAssignmentCreate(a *models.Assignment, now time.Time) {
	ts := now.Unix()
	if a.CreatedAt == 0 {
		a.CreatedAt = ts
	}
	a.UpdatedAt = ts
	if a.Status == "" {
		a.Status = models.AssignmentStatusPending
	}
}

// OnAssignmentUpdate stamps UpdatedAt and records the accepted/completed
// transition timestamps.
func OnAssignmentUpdate(before, after *models.Assignment, now time.Time) {
	after.UpdatedAt = now.Unix()
	if before.Status != models.AssignmentStatusAccepted &&
		after.Status == models.AssignmentStatusAccepted && after.AcceptedAt == 0 {
		after.AcceptedAt = now.Unix()
	}
	if before.Status != models.AssignmentStatusCompleted &&
		after.Status == models.AssignmentStatusCompleted && after.CompletedAt == 0 {
		after.CompletedAt = now.Unix()
	}
}

// OnSyncItemCreate initializes a queue item. The initial NextAttempt is
// offset by priority: high items are due immediately, lower priorities
// after the supplied delay.
func OnSyncItemCreate(item *models.SyncItem, now time.Time, initialDelay time.Duration) {
	ts := now.Unix()
	item.CreatedAt = ts
	item.UpdatedAt = ts
	item.Status = models.SyncItemPending
	item.Attempts = 0
	if item.MaxAttempts == 0 {
		item.MaxAttempts = 5
	}
	if item.Priority == "" {
		item.Priority = models.PriorityMedium
	}
	item.NextAttempt = now.Add(initialDelay).Unix()
}
