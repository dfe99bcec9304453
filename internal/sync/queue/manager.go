// Package queue manages the durable outbound sync queue: enqueueing
// entity mutations, batch dispatch with exponential backoff, and the
// background sweep loop.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fibrefield/fieldsync/internal/config"
	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/logging"
	"github.com/fibrefield/fieldsync/internal/models"
)

// maxBackoff caps the retry delay regardless of attempt count.
const maxBackoff = time.Hour

// Processor executes one queue item against the remote system.
// Implemented by the sync executor.
type Processor interface {
	Process(ctx context.Context, item *models.SyncItem) error
}

// BatchResult summarizes one ProcessBatch pass.
type BatchResult struct {
	Processed int
	Completed int
	Retried   int
	Failed    int
}

// Manager owns the sync queue. Items are durable rows in the local
// store; the manager schedules them, dispatches batches to the
// processor, and applies retry backoff.
type Manager struct {
	repo      *db.Repository
	processor Processor
	cfg       *config.Config
	log       *logrus.Entry

	stopCh    chan struct{}
	onlineCh  chan bool
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
	inBatch   bool
	lastBatch time.Time

	now func() time.Time
}

// NewManager creates a queue manager over the local store. The manager
// starts offline; call SetOnline or Start to begin dispatching.
func NewManager(repo *db.Repository, processor Processor, cfg *config.Config) *Manager {
	return &Manager{
		repo:      repo,
		processor: processor,
		cfg:       cfg,
		log:       logging.WithComponent("queue"),
		stopCh:    make(chan struct{}),
		onlineCh:  make(chan bool, 1),
		now:       time.Now,
	}
}

// Enqueue appends a sync item for an entity mutation. Update items
// coalesce: a pending update for the same entity is rewritten with the
// newer payload instead of queueing a second row, and its priority is
// raised if the new work is more urgent.
func (m *Manager) Enqueue(entityID models.UUID, action models.SyncAction, payload interface{}, priority models.SyncPriority) (*models.SyncItem, error) {
	if action == models.ActionUpdate {
		if existing, err := m.pendingUpdate(entityID); err != nil {
			return nil, err
		} else if existing != nil {
			return m.coalesce(existing, payload, priority)
		}
	}

	item := &models.SyncItem{
		EntityID:    entityID,
		Action:      action,
		Priority:    priority,
		MaxAttempts: m.cfg.MaxAttempts,
	}
	if err := item.SetPayload(payload); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid queue payload", err)
	}

	if err := m.repo.CreateSyncItem(item, m.initialDelay(priority)); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"entity":   entityID,
		"action":   action,
		"priority": priority,
	}).Debug("item enqueued")
	return item, nil
}

func (m *Manager) pendingUpdate(entityID models.UUID) (*models.SyncItem, error) {
	items, err := m.repo.ListSyncItemsByEntity(string(entityID))
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Action == models.ActionUpdate && it.Status == models.SyncItemPending {
			return it, nil
		}
	}
	return nil, nil
}

func (m *Manager) coalesce(existing *models.SyncItem, payload interface{}, priority models.SyncPriority) (*models.SyncItem, error) {
	return m.repo.UpdateSyncItem(string(existing.ID), func(it *models.SyncItem) error {
		if err := it.SetPayload(payload); err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid queue payload", err)
		}
		if priority.Rank() < it.Priority.Rank() {
			it.Priority = priority
		}
		return nil
	})
}

// initialDelay maps a priority to the delay before the first attempt.
func (m *Manager) initialDelay(priority models.SyncPriority) time.Duration {
	switch priority {
	case models.PriorityHigh:
		return m.cfg.HighPriorityDelay
	case models.PriorityLow:
		return m.cfg.LowPriorityDelay
	}
	return m.cfg.MediumPriorityDelay
}

// ProcessBatch dispatches one batch of due items. At most one batch
// runs at a time; a concurrent call fails with ErrSyncInProgress.
// Items within the batch are processed concurrently.
func (m *Manager) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	m.mu.Lock()
	if m.inBatch {
		m.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "a sync batch is already running")
	}
	m.inBatch = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inBatch = false
		m.lastBatch = m.now()
		m.mu.Unlock()
	}()

	due, err := m.repo.DueSyncItems(m.now(), m.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return &BatchResult{}, nil
	}

	result := m.dispatch(ctx, due)

	m.log.WithFields(logrus.Fields{
		"processed": result.Processed,
		"completed": result.Completed,
		"retried":   result.Retried,
		"failed":    result.Failed,
	}).Info("batch processed")
	return result, nil
}

// dispatch claims and processes the given items concurrently. An item
// that cannot be claimed (deleted or cleared since the due query) is
// skipped; the batch always waits for every dispatched goroutine.
func (m *Manager) dispatch(ctx context.Context, due []*models.SyncItem) *BatchResult {
	result := &BatchResult{}
	var resultMu sync.Mutex
	var wg sync.WaitGroup

	for _, item := range due {
		claimed, err := m.repo.UpdateSyncItem(string(item.ID), func(it *models.SyncItem) error {
			it.Status = models.SyncItemProcessing
			return nil
		})
		if err != nil {
			m.log.WithError(err).WithField("item_id", item.ID).Warn("skipping unclaimable item")
			continue
		}
		resultMu.Lock()
		result.Processed++
		resultMu.Unlock()

		wg.Add(1)
		go func(it *models.SyncItem) {
			defer wg.Done()

			procErr := m.processor.Process(ctx, it)

			resultMu.Lock()
			defer resultMu.Unlock()
			if procErr == nil {
				if cErr := m.completeItem(it); cErr != nil {
					m.log.WithError(cErr).WithField("item_id", it.ID).Error("failed to mark item completed")
					return
				}
				result.Completed++
				return
			}
			retried, fErr := m.failItem(it, procErr)
			if fErr != nil {
				m.log.WithError(fErr).WithField("item_id", it.ID).Error("failed to record item failure")
				return
			}
			if retried {
				result.Retried++
			} else {
				result.Failed++
			}
		}(claimed)
	}

	wg.Wait()
	return result
}

func (m *Manager) completeItem(item *models.SyncItem) error {
	_, err := m.repo.UpdateSyncItem(string(item.ID), func(it *models.SyncItem) error {
		it.Status = models.SyncItemCompleted
		it.LastError = ""
		return nil
	})
	return err
}

// failItem records a failed attempt. Retryable errors reschedule with
// exponential backoff until the attempt budget runs out; terminal
// errors fail the item immediately. Returns true when the item will be
// retried.
func (m *Manager) failItem(item *models.SyncItem, procErr error) (bool, error) {
	var retried bool
	_, err := m.repo.UpdateSyncItem(string(item.ID), func(it *models.SyncItem) error {
		if errors.Is(procErr, errors.ErrSyncCancelled) {
			// Cancelled work costs no attempt; the item is due again
			// immediately.
			it.Status = models.SyncItemPending
			it.LastError = procErr.Error()
			retried = true
			return nil
		}

		it.Attempts++
		it.LastError = procErr.Error()

		if errors.IsTerminal(procErr) || it.Attempts >= it.MaxAttempts {
			it.Status = models.SyncItemFailed
			return nil
		}

		it.Status = models.SyncItemPending
		it.NextAttempt = m.now().Add(Backoff(m.cfg.BackoffBase, it.Attempts)).Unix()
		retried = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if retried {
		m.log.WithFields(logrus.Fields{
			"item_id":  item.ID,
			"attempts": item.Attempts + 1,
		}).WithError(procErr).Warn("item failed, will retry")
	} else {
		m.log.WithField("item_id", item.ID).WithError(procErr).Error("item failed permanently")
	}
	return retried, nil
}

// Backoff returns the retry delay after the given number of failed
// attempts: base doubled per attempt, capped at one hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		return base
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// SetOnline changes connectivity. Going online triggers an immediate
// sweep of due items.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	wasOnline := m.isOnline
	m.isOnline = online
	if wasOnline != online {
		// Only the latest transition matters to the sweep loop.
		select {
		case <-m.onlineCh:
		default:
		}
		m.onlineCh <- online
	}
	m.mu.Unlock()

	if wasOnline == online {
		return
	}

	m.log.WithField("online", online).Info("connectivity changed")

	if online {
		go m.sweep(ctx)
	}
}

// IsOnline reports the current connectivity flag.
func (m *Manager) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOnline
}

// Start launches the background sweep loop. The loop ticks at the
// configured sync interval and dispatches a batch when online. Items
// stranded in processing by an earlier crash are requeued first.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = true
	m.mu.Unlock()

	if err := m.requeueStranded(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.sweepLoop(ctx)

	m.log.Info("queue manager started")
	return nil
}

// Stop shuts down the sweep loop and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.log.Info("queue manager stopped")
}

// sweepLoop ticks at the sync interval while online. The ticker is
// stopped across offline stretches and resumed on reconnect.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	tick := ticker.C
	if !m.IsOnline() {
		ticker.Stop()
		tick = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case online := <-m.onlineCh:
			if online && tick == nil {
				ticker.Reset(m.cfg.SyncInterval)
				tick = ticker.C
			} else if !online && tick != nil {
				ticker.Stop()
				tick = nil
			}
		case <-tick:
			if m.IsOnline() {
				m.sweep(ctx)
			}
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	if _, err := m.ProcessBatch(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
		m.log.WithError(err).Error("sweep failed")
	}
}

// requeueStranded moves items stuck in processing back to pending.
func (m *Manager) requeueStranded() error {
	stranded, err := m.repo.ListSyncItemsByStatus(models.SyncItemProcessing)
	if err != nil {
		return err
	}
	for _, item := range stranded {
		if _, err := m.repo.UpdateSyncItem(string(item.ID), func(it *models.SyncItem) error {
			it.Status = models.SyncItemPending
			it.NextAttempt = m.now().Unix()
			return nil
		}); err != nil {
			return err
		}
	}
	if len(stranded) > 0 {
		m.log.WithField("count", len(stranded)).Warn("requeued stranded items")
	}
	return nil
}

// RetryFailed resets failed items back to pending with a fresh attempt
// budget. An empty entity id resets every failed item. When online, a
// sweep runs immediately.
func (m *Manager) RetryFailed(ctx context.Context, entityID string) (int, error) {
	count, err := m.repo.ResetFailedSyncItems(entityID, m.now())
	if err != nil {
		return 0, err
	}
	if count > 0 && m.IsOnline() {
		go m.sweep(ctx)
	}
	return count, nil
}

// ClearFailed removes failed items the operator has given up on. An
// empty entity id clears every failed item.
func (m *Manager) ClearFailed(entityID string) (int, error) {
	return m.repo.ClearFailedSyncItems(entityID)
}

// Stats returns per-status item counts.
func (m *Manager) Stats() (map[models.SyncItemStatus]int, error) {
	return m.repo.SyncQueueStats()
}

// PruneCompleted removes completed items older than the given age.
func (m *Manager) PruneCompleted(olderThan time.Duration) (int, error) {
	return m.repo.PruneCompletedSyncItems(m.now().Add(-olderThan))
}

// LastBatchTime returns when the last batch finished, zero if none ran.
func (m *Manager) LastBatchTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBatch
}
