// Package workflow drives the per-capture state machine: assignment,
// GPS, photo evidence, and review, gating business status on
// completeness.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fibrefield/fieldsync/internal/config"
	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/geo"
	"github.com/fibrefield/fieldsync/internal/logging"
	"github.com/fibrefield/fieldsync/internal/media"
	"github.com/fibrefield/fieldsync/internal/models"
)

// Enqueuer appends outbound work to the sync queue. Implemented by the
// queue manager; a fake suffices in tests.
type Enqueuer interface {
	Enqueue(entityID models.UUID, action models.SyncAction, payload interface{}, priority models.SyncPriority) (*models.SyncItem, error)
}

// Engine mutates capture records through the workflow state machine.
// Every mutating operation that must reach the remote system enqueues
// exactly one sync queue item.
type Engine struct {
	repo       *db.Repository
	queue      Enqueuer
	compressor *media.Compressor
	photos     *media.PhotoStore
	cfg        *config.Config
	log        *logrus.Entry
	now        func() time.Time
}

// NewEngine creates a workflow engine over the local store.
func NewEngine(repo *db.Repository, queue Enqueuer, photos *media.PhotoStore, cfg *config.Config) *Engine {
	return &Engine{
		repo:       repo,
		queue:      queue,
		compressor: media.NewCompressor(cfg.CompressThreshold, cfg.MaxPhotoDimension),
		photos:     photos,
		cfg:        cfg,
		log:        logging.WithComponent("workflow"),
		now:        time.Now,
	}
}

// CreateCapture records a new field job and enqueues its remote create.
func (e *Engine) CreateCapture(c *models.Capture) (*models.Capture, error) {
	if err := e.repo.CreateCapture(c); err != nil {
		return nil, err
	}

	_, err := e.queue.Enqueue(c.ID, models.ActionCreate,
		&models.RecordPayload{Capture: c, LocalVersion: c.LocalVersion},
		models.PriorityHigh)
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"capture_id": c.ID, "pole": c.PoleNumber}).Info("capture created")
	return c, nil
}

// ProgressWorkflow marks a workflow step complete, advances the current
// step, and merges any supplied mutation. Completing the assignments
// step moves the capture to in_progress; completing review with all
// four step flags set moves it to captured.
func (e *Engine) ProgressWorkflow(id, step string, merge func(*models.Capture)) (*models.Capture, error) {
	if models.StepOrdinal(step) == 0 {
		return nil, errors.Newf(errors.ErrInvalid, "unknown workflow step %q", step)
	}

	updated, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		if merge != nil {
			merge(c)
		}
		applyStep(c, step, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.enqueueUpdate(updated, models.PriorityMedium); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"capture_id": id, "step": step}).Debug("workflow step completed")
	return updated, nil
}

// applyStep flips a step flag and applies its business status side
// effects on the record in place.
func applyStep(c *models.Capture, step string, now time.Time) {
	if c.Workflow == nil {
		c.Workflow = models.NewWorkflow()
	}
	c.Workflow.Steps[step] = true
	ord := models.StepOrdinal(step)
	c.Workflow.CurrentStep = ord
	c.Workflow.LastSavedStep = ord
	if c.Workflow.StepTimestamps == nil {
		c.Workflow.StepTimestamps = make(map[string]int64)
	}
	c.Workflow.StepTimestamps[step+"Completed"] = now.Unix()

	switch step {
	case models.StepAssignments:
		if c.Status == models.CaptureStatusDraft || c.Status == models.CaptureStatusAssigned {
			c.Status = models.CaptureStatusInProgress
		}
	case models.StepReview:
		if c.Workflow.Complete() && c.Status == models.CaptureStatusInProgress {
			c.Status = models.CaptureStatusCaptured
		}
	}
}

// UpdateGPSLocation validates and stores a GPS reading. The reading is
// rejected when its accuracy exceeds the threshold or when it lies too
// far from the planned pole location.
func (e *Engine) UpdateGPSLocation(id string, loc models.GPSLocation) (*models.Capture, error) {
	if loc.Accuracy > e.cfg.AccuracyThreshold {
		return nil, errors.Newf(errors.ErrAccuracyExceeded,
			"gps accuracy %.1fm exceeds threshold %.1fm", loc.Accuracy, e.cfg.AccuracyThreshold)
	}

	current, err := e.repo.GetCapture(id)
	if err != nil {
		return nil, err
	}

	if pole := current.PoleLocation; pole != nil {
		distance := geo.Haversine(pole.Latitude, pole.Longitude, loc.Latitude, loc.Longitude)
		if distance > e.cfg.MaxPoleDistance {
			return nil, errors.Newf(errors.ErrDistanceExceeded,
				"reading is %.0fm from pole, maximum is %.0fm", distance, e.cfg.MaxPoleDistance)
		}
		loc.DistanceFromPole = distance
	}
	if loc.CapturedAt == 0 {
		loc.CapturedAt = e.now().Unix()
	}

	return e.ProgressWorkflow(id, models.StepGPS, func(c *models.Capture) {
		c.GPSLocation = &loc
	})
}

// AddPhoto compresses and stores a captured photo, appends it to the
// capture, and enqueues its upload. The photo type must be one of the
// capture's required types. When the completed set covers every
// required type the capture becomes captured and the photos step
// completes.
func (e *Engine) AddPhoto(id, photoType string, data []byte) (*models.Photo, error) {
	capture, err := e.repo.GetCapture(id)
	if err != nil {
		return nil, err
	}

	if !contains(capture.RequiredPhotos, photoType) {
		return nil, errors.Newf(errors.ErrPhotoType,
			"photo type %q is not required for capture %s", photoType, id)
	}

	result, err := e.compressor.Compress(data)
	if err != nil {
		return nil, err
	}

	path, err := e.photos.Save(result.Data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to store photo bytes", err)
	}

	photo := &models.Photo{
		CaptureID:    models.UUID(id),
		Type:         photoType,
		LocalPath:    path,
		MimeType:     result.MimeType,
		Size:         result.Size,
		OriginalSize: result.OriginalSize,
		Compressed:   result.Compressed,
	}
	if err := e.repo.CreatePhoto(photo); err != nil {
		return nil, err
	}

	updated, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		c.Photos = append(c.Photos, models.PhotoSummary{
			ID:         photo.ID,
			Type:       photo.Type,
			CapturedAt: photo.CapturedAt,
		})
		c.RecomputeCompletedPhotos()
		if c.HasAllRequiredPhotos() {
			applyStep(c, models.StepPhotos, e.now())
			if c.Status == models.CaptureStatusInProgress || c.Status == models.CaptureStatusDraft ||
				c.Status == models.CaptureStatusAssigned {
				c.Status = models.CaptureStatusCaptured
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = e.queue.Enqueue(photo.ID, models.ActionPhotoUpload,
		&models.PhotoUploadPayload{PhotoID: photo.ID, CaptureID: models.UUID(id), Type: photoType},
		models.PriorityMedium)
	if err != nil {
		return nil, err
	}

	// The photo list and any status change must reach the remote record
	// too; the update coalesces with other pending record changes.
	if err := e.enqueueUpdate(updated, models.PriorityMedium); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"capture_id": id,
		"type":       photoType,
		"compressed": photo.Compressed,
		"size":       photo.Size,
	}).Info("photo added")
	return photo, nil
}

// RetakePhoto replaces the stored photos of one type with a fresh
// capture, removing the superseded records.
func (e *Engine) RetakePhoto(id, photoType string, data []byte) (*models.Photo, error) {
	old, err := e.repo.ListPhotosByType(id, photoType)
	if err != nil {
		return nil, err
	}

	photo, err := e.AddPhoto(id, photoType, data)
	if err != nil {
		return nil, err
	}

	for _, p := range old {
		if err := e.repo.DeletePhoto(string(p.ID)); err != nil {
			return nil, err
		}
		if p.LocalPath != "" && p.LocalPath != photo.LocalPath {
			if err := e.photos.Remove(p.LocalPath); err != nil {
				e.log.WithError(err).Warn("failed to remove superseded photo bytes")
			}
		}
	}

	rebuilt, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		kept := c.Photos[:0]
		for _, s := range c.Photos {
			if s.Type != photoType || s.ID == photo.ID {
				kept = append(kept, s)
			}
		}
		c.Photos = kept
		c.RecomputeCompletedPhotos()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Refresh the pending update so the remote sees the rebuilt list,
	// not the intermediate one AddPhoto queued.
	if err := e.enqueueUpdate(rebuilt, models.PriorityMedium); err != nil {
		return nil, err
	}

	return photo, nil
}

// UpdateInstallation merges installation payload onto the capture.
func (e *Engine) UpdateInstallation(id string, installation *models.Installation) (*models.Capture, error) {
	updated, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		c.Installation = installation
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.enqueueUpdate(updated, models.PriorityMedium); err != nil {
		return nil, err
	}
	return updated, nil
}

// SubmitForApproval runs full validation and, if the capture is
// complete, moves it to pending_approval and completes the review step.
// Validation failures list every violated rule, not just the first.
func (e *Engine) SubmitForApproval(id string) (*models.Capture, error) {
	capture, err := e.repo.GetCapture(id)
	if err != nil {
		return nil, err
	}

	if violations := ValidateForSubmission(capture); len(violations) > 0 {
		return nil, errors.New(errors.ErrValidation, strings.Join(violations, "; "))
	}

	now := e.now()
	updated, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		applyStep(c, models.StepReview, now)
		c.Status = models.CaptureStatusPendingApproval
		c.RequiresRework = false
		c.Approval = &models.Approval{Status: models.ApprovalPending}
		if c.CapturedAt == 0 {
			c.CapturedAt = now.Unix()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.enqueueUpdate(updated, models.PriorityHigh); err != nil {
		return nil, err
	}

	e.log.WithField("capture_id", id).Info("capture submitted for approval")
	return updated, nil
}

// ValidateForSubmission returns every completeness rule the capture
// violates.
func ValidateForSubmission(c *models.Capture) []string {
	var violations []string

	if !c.HasAllRequiredPhotos() {
		missing := missingPhotoTypes(c)
		violations = append(violations,
			fmt.Sprintf("missing required photos: %s", strings.Join(missing, ", ")))
	}
	if c.GPSLocation == nil {
		violations = append(violations, "gps location not captured")
	}
	if strings.TrimSpace(c.CustomerName) == "" {
		violations = append(violations, "customer name is empty")
	}
	if strings.TrimSpace(c.CustomerAddress) == "" {
		violations = append(violations, "customer address is empty")
	}

	return violations
}

func missingPhotoTypes(c *models.Capture) []string {
	have := make(map[string]bool, len(c.CompletedPhotos))
	for _, t := range c.CompletedPhotos {
		have[t] = true
	}
	var missing []string
	for _, t := range c.RequiredPhotos {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// Approve marks a pending capture approved and completes its open
// assignments.
func (e *Engine) Approve(id, approver string) (*models.Capture, error) {
	now := e.now()
	updated, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		if c.Status != models.CaptureStatusPendingApproval {
			return errors.Newf(errors.ErrValidation,
				"capture %s is %s, only pending_approval captures can be approved", id, c.Status)
		}
		c.Status = models.CaptureStatusApproved
		c.Approval = &models.Approval{
			Status:     models.ApprovalApproved,
			ApprovedBy: approver,
			ApprovedAt: now.Unix(),
		}
		c.RequiresRework = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.completeAssignments(id); err != nil {
		return nil, err
	}

	if err := e.enqueueUpdate(updated, models.PriorityHigh); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"capture_id": id, "approver": approver}).Info("capture approved")
	return updated, nil
}

// Reject marks a pending capture rejected with a structured reason. The
// capture loops back to in_progress via rework driven by the UI.
func (e *Engine) Reject(id, reviewer, reason, notes string) (*models.Capture, error) {
	now := e.now()
	updated, err := e.repo.UpdateCapture(id, func(c *models.Capture) error {
		if c.Status != models.CaptureStatusPendingApproval {
			return errors.Newf(errors.ErrValidation,
				"capture %s is %s, only pending_approval captures can be rejected", id, c.Status)
		}
		c.Status = models.CaptureStatusRejected
		c.RequiresRework = true
		c.Approval = &models.Approval{
			Status:     models.ApprovalRejected,
			ApprovedBy: reviewer,
			ApprovedAt: now.Unix(),
			Reason:     reason,
			Notes:      notes,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.enqueueUpdate(updated, models.PriorityHigh); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"capture_id": id, "reason": reason}).Info("capture rejected")
	return updated, nil
}

// DeleteCapture cascade-deletes a capture locally and enqueues the
// remote delete. The queue item is created after the cascade so it is
// not swept away with the entity's other pending items.
func (e *Engine) DeleteCapture(id string) error {
	capture, err := e.repo.GetCapture(id)
	if err != nil {
		return err
	}

	if err := e.repo.DeleteCapture(id); err != nil {
		return err
	}

	if capture.RemoteID != "" || capture.SyncStatus == models.SyncStateSynced {
		_, err = e.queue.Enqueue(capture.ID, models.ActionDelete,
			&models.DeletePayload{RemoteID: capture.RemoteID},
			models.PriorityHigh)
		if err != nil {
			return err
		}
	}

	e.log.WithField("capture_id", id).Info("capture deleted")
	return nil
}

// AcceptAssignment marks a work order accepted and moves a draft
// capture to assigned.
func (e *Engine) AcceptAssignment(assignmentID string) (*models.Assignment, error) {
	assignment, err := e.repo.UpdateAssignment(assignmentID, func(a *models.Assignment) error {
		if a.Status != models.AssignmentStatusPending {
			return errors.Newf(errors.ErrValidation,
				"assignment %s is %s, only pending assignments can be accepted", assignmentID, a.Status)
		}
		a.Status = models.AssignmentStatusAccepted
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated, err := e.repo.UpdateCapture(string(assignment.CaptureID), func(c *models.Capture) error {
		if c.Status == models.CaptureStatusDraft {
			c.Status = models.CaptureStatusAssigned
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.enqueueUpdate(updated, models.PriorityMedium); err != nil {
		return nil, err
	}

	return assignment, nil
}

// completeAssignments closes every open assignment for a capture.
func (e *Engine) completeAssignments(captureID string) error {
	assignments, err := e.repo.ListAssignmentsByCapture(captureID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		switch a.Status {
		case models.AssignmentStatusCompleted, models.AssignmentStatusCancelled, models.AssignmentStatusExpired:
			continue
		}
		if _, err := e.repo.UpdateAssignment(string(a.ID), func(a *models.Assignment) error {
			a.Status = models.AssignmentStatusCompleted
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enqueueUpdate(c *models.Capture, priority models.SyncPriority) error {
	_, err := e.queue.Enqueue(c.ID, models.ActionUpdate,
		&models.RecordPayload{Capture: c, LocalVersion: c.LocalVersion},
		priority)
	return err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
