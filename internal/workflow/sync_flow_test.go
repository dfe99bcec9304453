package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/fibrefield/fieldsync/internal/config"
	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/media"
	"github.com/fibrefield/fieldsync/internal/models"
	syncpkg "github.com/fibrefield/fieldsync/internal/sync"
	"github.com/fibrefield/fieldsync/internal/sync/queue"
)

// recordingRemote is an always-succeeding remote that keeps the last
// capture snapshot it received.
type recordingRemote struct {
	mu      sync.Mutex
	upserts int
	last    *models.Capture
}

func (r *recordingRemote) UpsertCapture(ctx context.Context, token string, c *models.Capture) (*syncpkg.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	r.last = c
	return &syncpkg.RemoteRecord{RemoteID: "srv-1", Version: r.upserts}, nil
}

func (r *recordingRemote) DeleteCapture(ctx context.Context, token, remoteID string) error {
	return nil
}

type countingBlob struct {
	mu      sync.Mutex
	uploads int
}

func (b *countingBlob) UploadPhoto(ctx context.Context, token string, photo *models.Photo, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	return "https://blobs.example/" + string(photo.ID), nil
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error)   { return "tok", nil }
func (staticTokens) Refresh(ctx context.Context) (string, error) { return "tok", nil }

// A capture whose last mutation is a photo add must still converge to
// synced: the photo list and status change ride an update item, not
// just the photo_upload.
func TestPhotoAddsReachRemoteRecord(t *testing.T) {
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.NewMigrator(conn).Up(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repo := db.NewRepository(conn)

	cfg := config.Default()
	cfg.MediumPriorityDelay = 0
	cfg.LowPriorityDelay = 0

	photos := media.NewPhotoStore(t.TempDir())
	remote := &recordingRemote{}
	blobs := &countingBlob{}
	exec := syncpkg.NewExecutor(repo, remote, blobs, photos, staticTokens{})
	mgr := queue.NewManager(repo, exec, cfg)
	engine := NewEngine(repo, mgr, photos, cfg)

	c := newDraftCapture(t, engine)

	ctx := context.Background()
	if _, err := mgr.ProcessBatch(ctx); err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	for _, photoType := range models.RequiredPhotoTypes {
		if _, err := engine.AddPhoto(string(c.ID), photoType, testPNG(t)); err != nil {
			t.Fatalf("failed to add %s photo: %v", photoType, err)
		}
	}
	if _, err := mgr.ProcessBatch(ctx); err != nil {
		t.Fatalf("photo batch failed: %v", err)
	}

	stats, err := mgr.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats[models.SyncItemPending] != 0 || stats[models.SyncItemFailed] != 0 {
		t.Fatalf("queue did not drain: %v", stats)
	}

	got, err := repo.GetCapture(string(c.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.SyncStatus != models.SyncStateSynced {
		t.Errorf("expected synced after draining, got %s", got.SyncStatus)
	}

	if blobs.uploads != len(models.RequiredPhotoTypes) {
		t.Errorf("expected %d blob uploads, got %d", len(models.RequiredPhotoTypes), blobs.uploads)
	}
	// Create plus one coalesced update; never one upsert per photo.
	if remote.upserts != 2 {
		t.Errorf("expected 2 upserts, got %d", remote.upserts)
	}
	if remote.last.Status != models.CaptureStatusCaptured {
		t.Errorf("remote saw status %s, want captured", remote.last.Status)
	}
	if len(remote.last.Photos) != len(models.RequiredPhotoTypes) {
		t.Errorf("remote saw %d photos, want %d", len(remote.last.Photos), len(models.RequiredPhotoTypes))
	}
}
