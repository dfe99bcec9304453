package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fibrefield/fieldsync/internal/config"
	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/models"
)

// fakeProcessor returns scripted outcomes and records processed items.
type fakeProcessor struct {
	mu        sync.Mutex
	err       error
	processed []models.UUID
	block     chan struct{}
}

func (p *fakeProcessor) Process(ctx context.Context, item *models.SyncItem) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, item.ID)
	return p.err
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func newTestManager(t *testing.T) (*Manager, *db.Repository, *fakeProcessor) {
	t.Helper()

	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.NewMigrator(conn).Up(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	repo := db.NewRepository(conn)
	proc := &fakeProcessor{}
	mgr := NewManager(repo, proc, config.Default())
	return mgr, repo, proc
}

func capturePayload(id string) *models.RecordPayload {
	return &models.RecordPayload{
		Capture:      &models.Capture{ID: models.UUID(id), PoleNumber: "P001"},
		LocalVersion: 1,
	}
}

func TestEnqueueDefaults(t *testing.T) {
	mgr, repo, _ := newTestManager(t)
	base := time.Unix(1700000000, 0)
	mgr.now = func() time.Time { return base }
	repo.SetClock(func() time.Time { return base })

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemPending || got.Attempts != 0 {
		t.Errorf("unexpected state %s/%d", got.Status, got.Attempts)
	}
	if got.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", got.MaxAttempts)
	}
	if got.NextAttempt != base.Unix() {
		t.Errorf("high priority must be due immediately, next attempt %d", got.NextAttempt)
	}
}

func TestEnqueuePriorityDelays(t *testing.T) {
	mgr, repo, _ := newTestManager(t)
	base := time.Unix(1700000000, 0)
	mgr.now = func() time.Time { return base }
	repo.SetClock(func() time.Time { return base })

	medium, err := mgr.Enqueue("cap-m", models.ActionCreate, capturePayload("cap-m"), models.PriorityMedium)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	low, err := mgr.Enqueue("cap-l", models.ActionCreate, capturePayload("cap-l"), models.PriorityLow)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	if medium.NextAttempt != base.Add(30*time.Second).Unix() {
		t.Errorf("medium delay wrong: %d", medium.NextAttempt)
	}
	if low.NextAttempt != base.Add(2*time.Minute).Unix() {
		t.Errorf("low delay wrong: %d", low.NextAttempt)
	}
}

func TestEnqueueCoalescesUpdates(t *testing.T) {
	mgr, repo, _ := newTestManager(t)

	first, err := mgr.Enqueue("cap-1", models.ActionUpdate, capturePayload("cap-1"), models.PriorityLow)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	newer := capturePayload("cap-1")
	newer.LocalVersion = 3
	second, err := mgr.Enqueue("cap-1", models.ActionUpdate, newer, models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	if second.ID != first.ID {
		t.Fatal("expected the pending update to be coalesced, got a new item")
	}

	items, err := repo.ListSyncItemsByEntity("cap-1")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	payload, err := items[0].RecordPayload()
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if payload.LocalVersion != 3 {
		t.Errorf("payload not rewritten, local version %d", payload.LocalVersion)
	}
	if items[0].Priority != models.PriorityHigh {
		t.Errorf("priority not raised, got %s", items[0].Priority)
	}
}

func TestEnqueueCreateNeverCoalesces(t *testing.T) {
	mgr, repo, _ := newTestManager(t)

	if _, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := mgr.Enqueue("cap-1", models.ActionUpdate, capturePayload("cap-1"), models.PriorityHigh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	items, err := repo.ListSyncItemsByEntity("cap-1")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("create and update must stay separate, got %d items", len(items))
	}
}

func TestProcessBatchCompletes(t *testing.T) {
	mgr, repo, proc := newTestManager(t)

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	result, err := mgr.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if result.Processed != 1 || result.Completed != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if proc.count() != 1 {
		t.Errorf("processor called %d times", proc.count())
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestRetryBackoffDoublesPerAttempt(t *testing.T) {
	mgr, repo, proc := newTestManager(t)
	proc.err = errors.New(errors.ErrSyncNetwork, "connection refused")

	clock := time.Unix(1700000000, 0)
	mgr.now = func() time.Time { return clock }
	repo.SetClock(func() time.Time { return clock })

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	base := mgr.cfg.BackoffBase
	var lastDelay time.Duration

	for attempt := 1; attempt < mgr.cfg.MaxAttempts; attempt++ {
		result, err := mgr.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if result.Retried != 1 {
			t.Fatalf("attempt %d: expected retry, got %+v", attempt, result)
		}

		got, err := repo.GetSyncItem(string(item.ID))
		if err != nil {
			t.Fatalf("failed to reload: %v", err)
		}
		if got.Attempts != attempt {
			t.Errorf("expected %d attempts, got %d", attempt, got.Attempts)
		}

		delay := time.Duration(got.NextAttempt-clock.Unix()) * time.Second
		want := base * (1 << uint(attempt))
		if delay != want {
			t.Errorf("attempt %d: expected delay %v, got %v", attempt, want, delay)
		}
		if delay <= lastDelay {
			t.Errorf("attempt %d: backoff not monotonic (%v after %v)", attempt, delay, lastDelay)
		}
		lastDelay = delay

		// Jump past the retry time.
		clock = time.Unix(got.NextAttempt, 0).Add(time.Second)
	}

	// Final attempt exhausts the budget.
	result, err := mgr.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected permanent failure, got %+v", result)
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestBackoffNotRetriedBeforeDue(t *testing.T) {
	mgr, repo, proc := newTestManager(t)
	proc.err = errors.New(errors.ErrSyncTimeout, "deadline exceeded")

	clock := time.Unix(1700000000, 0)
	mgr.now = func() time.Time { return clock }
	repo.SetClock(func() time.Time { return clock })

	if _, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := mgr.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	// A second pass before the backoff elapses must see nothing.
	clock = clock.Add(time.Second)
	result, err := mgr.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if result.Processed != 0 {
		t.Errorf("item dispatched before its retry time: %+v", result)
	}
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	mgr, repo, proc := newTestManager(t)
	proc.err = errors.New(errors.ErrSyncRejected, "validation failed upstream")

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	result, err := mgr.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("failed to process: %v", err)
	}
	if result.Failed != 1 || result.Retried != 0 {
		t.Fatalf("terminal error must not retry: %+v", result)
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemFailed || got.Attempts != 1 {
		t.Errorf("expected failed after 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
}

func TestProcessBatchReentrancyGuard(t *testing.T) {
	mgr, _, proc := newTestManager(t)
	proc.block = make(chan struct{})

	if _, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := mgr.ProcessBatch(context.Background()); err != nil {
			t.Errorf("first batch failed: %v", err)
		}
	}()

	// Wait until the first batch holds the guard.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mgr.mu.RLock()
		held := mgr.inBatch
		mgr.mu.RUnlock()
		if held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first batch never claimed the guard")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := mgr.ProcessBatch(context.Background()); !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}

	close(proc.block)
	<-done
}

func TestRetryFailedResetsAttempts(t *testing.T) {
	mgr, repo, proc := newTestManager(t)
	proc.err = errors.New(errors.ErrSyncRejected, "rejected")

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := mgr.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	count, err := mgr.RetryFailed(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to retry: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reset, got %d", count)
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemPending || got.Attempts != 0 || got.LastError != "" {
		t.Errorf("reset incomplete: %s/%d/%q", got.Status, got.Attempts, got.LastError)
	}
}

func TestSetOnlineTriggersSweep(t *testing.T) {
	mgr, repo, _ := newTestManager(t)

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	mgr.SetOnline(context.Background(), true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := repo.GetSyncItem(string(item.ID))
		if err != nil {
			t.Fatalf("failed to reload: %v", err)
		}
		if got.Status == models.SyncItemCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never processed after going online, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSweepLoopIdleWhileOffline(t *testing.T) {
	mgr, _, proc := newTestManager(t)
	mgr.cfg.SyncInterval = 20 * time.Millisecond

	if _, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer mgr.Stop()

	// Several intervals pass offline without a dispatch.
	time.Sleep(100 * time.Millisecond)
	if proc.count() != 0 {
		t.Fatalf("items dispatched while offline: %d", proc.count())
	}

	mgr.SetOnline(ctx, true)

	deadline := time.Now().Add(2 * time.Second)
	for proc.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("item never dispatched after reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequeueStranded(t *testing.T) {
	mgr, repo, _ := newTestManager(t)

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := repo.UpdateSyncItem(string(item.ID), func(it *models.SyncItem) error {
		it.Status = models.SyncItemProcessing
		return nil
	}); err != nil {
		t.Fatalf("failed to strand: %v", err)
	}

	if err := mgr.requeueStranded(); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestBackoffCap(t *testing.T) {
	base := 30 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{7, 64 * time.Minute}, // capped below
		{20, maxBackoff},
	}
	for _, tc := range cases {
		got := Backoff(base, tc.attempts)
		if tc.want > maxBackoff {
			tc.want = maxBackoff
		}
		if got != tc.want {
			t.Errorf("Backoff(%v, %d) = %v, want %v", base, tc.attempts, got, tc.want)
		}
	}
}

func TestStats(t *testing.T) {
	mgr, _, proc := newTestManager(t)
	proc.err = errors.New(errors.ErrSyncRejected, "rejected")

	if _, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := mgr.Enqueue("cap-2", models.ActionCreate, capturePayload("cap-2"), models.PriorityLow); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := mgr.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	stats, err := mgr.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats[models.SyncItemFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", stats[models.SyncItemFailed])
	}
	if stats[models.SyncItemPending] != 1 {
		t.Errorf("expected 1 pending (low priority not yet due), got %d", stats[models.SyncItemPending])
	}
}

func TestCancelledItemStaysPendingWithoutAttemptCost(t *testing.T) {
	mgr, repo, proc := newTestManager(t)
	base := time.Unix(1700000000, 0)
	mgr.now = func() time.Time { return base }
	repo.SetClock(func() time.Time { return base })
	proc.err = errors.New(errors.ErrSyncCancelled, "upload cancelled")

	item, err := mgr.Enqueue("cap-1", models.ActionPhotoUpload,
		&models.PhotoUploadPayload{PhotoID: "ph-1", CaptureID: "cap-1", Type: "pole"},
		models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	if _, err := mgr.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	got, err := repo.GetSyncItem(string(item.ID))
	if err != nil {
		t.Fatalf("failed to reload item: %v", err)
	}
	if got.Status != models.SyncItemPending {
		t.Errorf("cancelled item status = %s, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("cancelled item attempts = %d, want 0", got.Attempts)
	}
	if got.NextAttempt > base.Unix() {
		t.Errorf("cancelled item must stay immediately due, next attempt %d", got.NextAttempt)
	}
}

func TestDispatchSkipsVanishedItems(t *testing.T) {
	mgr, repo, proc := newTestManager(t)

	kept, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	gone, err := mgr.Enqueue("cap-2", models.ActionCreate, capturePayload("cap-2"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	due, err := repo.DueSyncItems(time.Now(), 10)
	if err != nil {
		t.Fatalf("failed to query due items: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due items, got %d", len(due))
	}

	// Another actor removes one row between the due query and the claim.
	del, err := repo.PrepareStmt("DELETE FROM sync_queue WHERE id = ?")
	if err != nil {
		t.Fatalf("failed to prepare: %v", err)
	}
	if _, err := del.Exec(string(gone.ID)); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	result := mgr.dispatch(context.Background(), due)
	if result.Processed != 1 || result.Completed != 1 {
		t.Errorf("vanished item must be skipped, got %+v", result)
	}
	if proc.count() != 1 {
		t.Errorf("processor called %d times, want 1", proc.count())
	}

	got, err := repo.GetSyncItem(string(kept.ID))
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != models.SyncItemCompleted {
		t.Errorf("surviving item not completed, status %s", got.Status)
	}
}

func TestClearFailed(t *testing.T) {
	mgr, repo, proc := newTestManager(t)
	base := time.Unix(1700000000, 0)
	mgr.now = func() time.Time { return base }
	repo.SetClock(func() time.Time { return base })
	proc.err = errors.New(errors.ErrSyncRejected, "schema rejected")

	item, err := mgr.Enqueue("cap-1", models.ActionCreate, capturePayload("cap-1"), models.PriorityHigh)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := mgr.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("failed to process: %v", err)
	}

	cleared, err := mgr.ClearFailed("cap-1")
	if err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if cleared != 1 {
		t.Errorf("ClearFailed() = %d, want 1", cleared)
	}
	if _, err := repo.GetSyncItem(string(item.ID)); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("cleared item still present, err = %v", err)
	}
}
