// Package sync executes queued operations against the remote system:
// record upserts, deletes, and photo uploads.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/logging"
	"github.com/fibrefield/fieldsync/internal/media"
	"github.com/fibrefield/fieldsync/internal/models"
)

// RemoteRecord is the server's view of a capture after an upsert.
type RemoteRecord struct {
	RemoteID string `json:"id"`
	Version  int    `json:"version"`
}

// RemoteAPI is the capture record endpoint of the remote system.
type RemoteAPI interface {
	// UpsertCapture creates or updates a capture remotely. The call is
	// idempotent on the capture's local id; replays return the same
	// remote record.
	UpsertCapture(ctx context.Context, token string, c *models.Capture) (*RemoteRecord, error)
	DeleteCapture(ctx context.Context, token, remoteID string) error
}

// BlobStore uploads photo bytes and returns the remote URL.
type BlobStore interface {
	UploadPhoto(ctx context.Context, token string, photo *models.Photo, data []byte) (string, error)
}

// TokenSource supplies auth tokens for remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Refresh forces a new token after an auth failure.
	Refresh(ctx context.Context) (string, error)
}

// Executor processes sync queue items against the remote system. It
// implements the queue manager's Processor.
type Executor struct {
	repo   *db.Repository
	remote RemoteAPI
	blobs  BlobStore
	photos *media.PhotoStore
	tokens TokenSource
	log    *logrus.Entry
	now    func() time.Time

	mu      sync.Mutex
	uploads map[string]context.CancelFunc
}

// NewExecutor creates a sync executor.
func NewExecutor(repo *db.Repository, remote RemoteAPI, blobs BlobStore, photos *media.PhotoStore, tokens TokenSource) *Executor {
	return &Executor{
		repo:    repo,
		remote:  remote,
		blobs:   blobs,
		photos:  photos,
		tokens:  tokens,
		log:     logging.WithComponent("sync"),
		now:     time.Now,
		uploads: make(map[string]context.CancelFunc),
	}
}

func uploadKey(captureID, photoType string) string {
	return captureID + "/" + photoType
}

// CancelUpload aborts an in-flight photo upload for the given capture
// and photo type. Returns false when no such upload is running. The
// queue item stays retryable.
func (e *Executor) CancelUpload(captureID, photoType string) bool {
	e.mu.Lock()
	cancel, ok := e.uploads[uploadKey(captureID, photoType)]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// trackUpload registers a cancelable context for an upload. The
// returned release must be called when the upload finishes.
func (e *Executor) trackUpload(ctx context.Context, captureID, photoType string) (context.Context, func()) {
	uctx, cancel := context.WithCancel(ctx)
	key := uploadKey(captureID, photoType)

	e.mu.Lock()
	e.uploads[key] = cancel
	e.mu.Unlock()

	return uctx, func() {
		e.mu.Lock()
		delete(e.uploads, key)
		e.mu.Unlock()
		cancel()
	}
}

// Process executes one queue item. Returned errors carry the sync
// taxonomy codes the queue manager uses to decide between backoff and
// permanent failure.
func (e *Executor) Process(ctx context.Context, item *models.SyncItem) error {
	switch item.Action {
	case models.ActionCreate, models.ActionUpdate:
		return e.syncRecord(ctx, item)
	case models.ActionDelete:
		return e.syncDelete(ctx, item)
	case models.ActionPhotoUpload:
		return e.syncPhoto(ctx, item)
	}
	return errors.Newf(errors.ErrInvalid, "unknown sync action %q", item.Action)
}

// syncRecord pushes a capture snapshot. On success the capture stores
// the remote id and server version; the record only flips to synced
// when no newer local edit landed while the item was in flight.
func (e *Executor) syncRecord(ctx context.Context, item *models.SyncItem) error {
	payload, err := item.RecordPayload()
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "corrupt record payload", err)
	}

	capture, err := e.repo.GetCapture(string(item.EntityID))
	if errors.Is(err, errors.ErrNotFound) {
		// Deleted locally while queued; nothing left to push.
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := e.repo.UpdateCaptureSyncMeta(string(item.EntityID), func(c *models.Capture) error {
		c.SyncStatus = models.SyncStateSyncing
		return nil
	}); err != nil {
		return err
	}

	remote, err := e.withAuth(ctx, func(token string) (*RemoteRecord, error) {
		return e.remote.UpsertCapture(ctx, token, payload.Capture)
	})
	if err != nil {
		if _, metaErr := e.repo.UpdateCaptureSyncMeta(string(item.EntityID), func(c *models.Capture) error {
			c.SyncStatus = models.SyncStateError
			c.SyncError = err.Error()
			return nil
		}); metaErr != nil {
			e.log.WithError(metaErr).WithField("capture_id", item.EntityID).Error("failed to record sync error")
		}
		return err
	}

	_, err = e.repo.UpdateCaptureSyncMeta(string(item.EntityID), func(c *models.Capture) error {
		c.RemoteID = remote.RemoteID
		c.Version = remote.Version
		c.SyncError = ""
		c.SyncedAt = e.now().Unix()
		if c.LocalVersion == payload.LocalVersion {
			c.SyncStatus = models.SyncStateSynced
		} else {
			// Newer local edits exist; leave the record pending so the
			// coalesced update item pushes them.
			c.SyncStatus = models.SyncStatePending
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"capture_id": capture.ID,
		"remote_id":  remote.RemoteID,
		"version":    remote.Version,
	}).Info("capture synced")
	return nil
}

// syncDelete removes a capture remotely. The local record is already
// gone; the item carries the remote id.
func (e *Executor) syncDelete(ctx context.Context, item *models.SyncItem) error {
	payload, err := item.DeletePayload()
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "corrupt delete payload", err)
	}
	if payload.RemoteID == "" {
		// Never reached the server; nothing to delete there.
		return nil
	}

	_, err = e.withAuth(ctx, func(token string) (*RemoteRecord, error) {
		return nil, e.remote.DeleteCapture(ctx, token, payload.RemoteID)
	})
	if err != nil {
		return err
	}

	e.log.WithField("remote_id", payload.RemoteID).Info("capture deleted remotely")
	return nil
}

// syncPhoto uploads one photo's bytes. Photo uploads are independent of
// the parent record's sync: a failed record push does not block photo
// uploads and vice versa.
func (e *Executor) syncPhoto(ctx context.Context, item *models.SyncItem) error {
	payload, err := item.PhotoUploadPayload()
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "corrupt photo payload", err)
	}

	photo, err := e.repo.GetPhoto(string(payload.PhotoID))
	if errors.Is(err, errors.ErrNotFound) {
		// Retaken or deleted while queued.
		return nil
	}
	if err != nil {
		return err
	}
	if photo.UploadStatus == models.UploadStatusUploaded {
		return nil
	}

	data, err := e.photos.Load(photo.LocalPath)
	if err != nil {
		return errors.Wrap(errors.ErrUploadFailed, "photo bytes unreadable", err)
	}

	if _, err := e.repo.UpdatePhoto(string(photo.ID), func(p *models.Photo) error {
		p.UploadStatus = models.UploadStatusUploading
		return nil
	}); err != nil {
		return err
	}

	uctx, release := e.trackUpload(ctx, string(photo.CaptureID), photo.Type)

	var url string
	_, err = e.withAuth(uctx, func(token string) (*RemoteRecord, error) {
		var uploadErr error
		url, uploadErr = e.blobs.UploadPhoto(uctx, token, photo, data)
		return nil, uploadErr
	})
	cancelled := uctx.Err() != nil && ctx.Err() == nil
	release()

	if err != nil {
		if cancelled {
			// User cancel: revert to pending, the item stays retryable.
			if _, metaErr := e.repo.UpdatePhoto(string(photo.ID), func(p *models.Photo) error {
				p.UploadStatus = models.UploadStatusPending
				p.UploadError = ""
				return nil
			}); metaErr != nil {
				e.log.WithError(metaErr).WithField("photo_id", photo.ID).Error("failed to reset cancelled upload")
			}
			return errors.Wrap(errors.ErrSyncCancelled, "upload cancelled", err)
		}
		if _, metaErr := e.repo.UpdatePhoto(string(photo.ID), func(p *models.Photo) error {
			p.UploadStatus = models.UploadStatusError
			p.UploadError = err.Error()
			return nil
		}); metaErr != nil {
			e.log.WithError(metaErr).WithField("photo_id", photo.ID).Error("failed to record upload error")
		}
		return err
	}

	if _, err := e.repo.UpdatePhoto(string(photo.ID), func(p *models.Photo) error {
		p.UploadStatus = models.UploadStatusUploaded
		p.UploadURL = url
		p.UploadError = ""
		return nil
	}); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"photo_id": photo.ID,
		"type":     photo.Type,
		"size":     photo.Size,
	}).Info("photo uploaded")
	return nil
}

// withAuth runs a remote call with the current token. One auth failure
// forces a token refresh and a single retry; a second failure surfaces
// as ErrSyncAuthFailed.
func (e *Executor) withAuth(ctx context.Context, call func(token string) (*RemoteRecord, error)) (*RemoteRecord, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncAuthFailed, "no auth token", err)
	}

	result, err := call(token)
	if err == nil || !errors.Is(err, errors.ErrSyncAuthFailed) {
		return result, err
	}

	token, refreshErr := e.tokens.Refresh(ctx)
	if refreshErr != nil {
		return nil, errors.Wrap(errors.ErrSyncAuthFailed, "token refresh failed", refreshErr)
	}

	return call(token)
}
