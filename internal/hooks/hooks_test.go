package hooks

import (
	"testing"
	"time"

	"github.com/fibrefield/fieldsync/internal/models"
)

var testNow = time.Unix(1700000000, 0)

func TestOnCaptureCreateInitializes(t *testing.T) {
	c := &models.Capture{ID: "P001", PoleNumber: "P001"}
	OnCaptureCreate(c, testNow)

	if c.CreatedAt != testNow.Unix() || c.UpdatedAt != testNow.Unix() {
		t.Error("Expected timestamps to be stamped")
	}
	if c.Status != models.CaptureStatusDraft {
		t.Errorf("Expected draft status, got %s", c.Status)
	}
	if c.SyncStatus != models.SyncStatePending {
		t.Errorf("Expected pending sync status, got %s", c.SyncStatus)
	}
	if c.Version != 1 || c.LocalVersion != 1 {
		t.Errorf("Expected version 1/1, got %d/%d", c.Version, c.LocalVersion)
	}
	if c.Workflow == nil || c.Workflow.CurrentStep != 1 {
		t.Error("Expected workflow initialized at step 1")
	}
	for _, s := range models.WorkflowSteps {
		if c.Workflow.Steps[s] {
			t.Errorf("Expected step %s to start false", s)
		}
	}
	if len(c.RequiredPhotos) != 4 {
		t.Errorf("Expected 4 required photo types, got %d", len(c.RequiredPhotos))
	}
	if c.Photos == nil || c.CompletedPhotos == nil {
		t.Error("Expected empty photo slices, not nil")
	}
}

func TestOnCaptureCreatePreservesExistingTimestamps(t *testing.T) {
	c := &models.Capture{ID: "P001", CreatedAt: 12345, UpdatedAt: 12345}
	OnCaptureCreate(c, testNow)

	if c.CreatedAt != 12345 {
		t.Error("Expected existing CreatedAt to be preserved")
	}
}

func newTestCapture() *models.Capture {
	c := &models.Capture{ID: "P001", PoleNumber: "P001"}
	OnCaptureCreate(c, testNow)
	return c
}

func clone(c *models.Capture) *models.Capture {
	cp := *c
	return &cp
}

func TestOnCaptureUpdateIncrementsLocalVersion(t *testing.T) {
	before := newTestCapture()
	after := clone(before)

	OnCaptureUpdate(before, after, testNow.Add(time.Minute))

	if after.LocalVersion != 2 {
		t.Errorf("Expected local version 2, got %d", after.LocalVersion)
	}
	if after.UpdatedAt != testNow.Add(time.Minute).Unix() {
		t.Error("Expected UpdatedAt to be stamped")
	}

	// A second update increments by exactly one again.
	next := clone(after)
	OnCaptureUpdate(after, next, testNow.Add(2*time.Minute))
	if next.LocalVersion != 3 {
		t.Errorf("Expected local version 3, got %d", next.LocalVersion)
	}
}

func TestOnCaptureUpdateInvalidatesSyncOnBusinessChange(t *testing.T) {
	before := newTestCapture()
	before.SyncStatus = models.SyncStateSynced

	after := clone(before)
	after.Status = models.CaptureStatusInProgress

	OnCaptureUpdate(before, after, testNow)

	if after.SyncStatus != models.SyncStatePending {
		t.Errorf("Expected sync status flipped to pending, got %s", after.SyncStatus)
	}
}

func TestOnCaptureUpdateKeepsSyncOnNonBusinessChange(t *testing.T) {
	before := newTestCapture()
	before.SyncStatus = models.SyncStateSynced

	after := clone(before)
	after.CustomerName = "Jo Soap"

	OnCaptureUpdate(before, after, testNow)

	if after.SyncStatus != models.SyncStateSynced {
		t.Errorf("Expected sync status untouched, got %s", after.SyncStatus)
	}
}

func TestOnCaptureUpdateDerivesGPSStep(t *testing.T) {
	before := newTestCapture()
	after := clone(before)
	after.Workflow = models.NewWorkflow()
	after.GPSLocation = &models.GPSLocation{Latitude: 1, Longitude: 2, Accuracy: 5}

	OnCaptureUpdate(before, after, testNow)

	if !after.Workflow.Steps[models.StepGPS] {
		t.Error("Expected gps step derived from location presence")
	}
	if after.Workflow.StepTimestamps["gpsCompleted"] == 0 {
		t.Error("Expected gps step timestamp")
	}
}

func TestOnCaptureUpdateDerivesPhotosStep(t *testing.T) {
	before := newTestCapture()
	after := clone(before)
	after.Workflow = models.NewWorkflow()
	after.CompletedPhotos = append([]string(nil), models.RequiredPhotoTypes...)

	OnCaptureUpdate(before, after, testNow)

	if !after.Workflow.Steps[models.StepPhotos] {
		t.Error("Expected photos step derived from completed set")
	}
}

func TestOnPhotoCreateDefaults(t *testing.T) {
	p := &models.Photo{ID: "ph1", CaptureID: "P001", Type: "power-meter-test", Size: 1024}
	OnPhotoCreate(p, testNow)

	if p.UploadStatus != models.UploadStatusPending {
		t.Errorf("Expected pending upload status, got %s", p.UploadStatus)
	}
	if p.CapturedAt != testNow.Unix() {
		t.Error("Expected CapturedAt stamped")
	}
	if p.OriginalSize != 1024 {
		t.Errorf("Expected original size defaulted to size, got %d", p.OriginalSize)
	}
}

func TestOnPhotoUpdateStampsUploadedAt(t *testing.T) {
	before := &models.Photo{ID: "ph1", UploadStatus: models.UploadStatusUploading}
	after := *before
	after.UploadStatus = models.UploadStatusUploaded

	OnPhotoUpdate(before, &after, testNow)

	if after.UploadedAt != testNow.Unix() {
		t.Error("Expected UploadedAt stamped on transition to uploaded")
	}

	// No re-stamp on an update that is already uploaded.
	later := after
	later.UploadURL = "https://blobs/x"
	OnPhotoUpdate(&after, &later, testNow.Add(time.Hour))
	if later.UploadedAt != testNow.Unix() {
		t.Error("Expected UploadedAt preserved on subsequent updates")
	}
}

func TestOnSyncItemCreatePriorityDelay(t *testing.T) {
	item := &models.SyncItem{ID: "q1", EntityID: "P001", Action: models.ActionCreate, Priority: models.PriorityLow}
	OnSyncItemCreate(item, testNow, 2*time.Minute)

	if item.Status != models.SyncItemPending {
		t.Errorf("Expected pending, got %s", item.Status)
	}
	if item.Attempts != 0 {
		t.Errorf("Expected zero attempts, got %d", item.Attempts)
	}
	if item.NextAttempt != testNow.Add(2*time.Minute).Unix() {
		t.Error("Expected NextAttempt offset by initial delay")
	}
	if item.MaxAttempts == 0 {
		t.Error("Expected MaxAttempts defaulted")
	}
}

func TestOnAssignmentUpdateTransitions(t *testing.T) {
	a := &models.Assignment{ID: "a1", CaptureID: "P001", TechnicianID: "tech-7"}
	OnAssignmentCreate(a, testNow)
	if a.Status != models.AssignmentStatusPending {
		t.Errorf("Expected pending, got %s", a.Status)
	}

	accepted := *a
	accepted.Status = models.AssignmentStatusAccepted
	OnAssignmentUpdate(a, &accepted, testNow.Add(time.Minute))
	if accepted.AcceptedAt != testNow.Add(time.Minute).Unix() {
		t.Error("Expected AcceptedAt stamped")
	}

	done := accepted
	done.Status = models.AssignmentStatusCompleted
	OnAssignmentUpdate(&accepted, &done, testNow.Add(time.Hour))
	if done.CompletedAt != testNow.Add(time.Hour).Unix() {
		t.Error("Expected CompletedAt stamped")
	}
}
