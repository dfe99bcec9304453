package db

import (
	"database/sql"
	"time"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/hooks"
	"github.com/fibrefield/fieldsync/internal/models"
	"github.com/fibrefield/fieldsync/internal/uuid"
)

// =====================================================
// Sync Queue Operations
// =====================================================

const syncItemColumns = `id, entity_id, action, payload, status, priority,
	attempts, max_attempts, next_attempt, last_error, created_at, updated_at`

// CreateSyncItem appends a queue item. Duplicates for the same
// (entity, action) are allowed; the due-item query dedupes by latest.
func (r *Repository) CreateSyncItem(item *models.SyncItem, initialDelay time.Duration) error {
	if item.ID == "" {
		item.ID = models.UUID(uuid.New())
	}
	hooks.OnSyncItemCreate(item, r.now(), initialDelay)

	query := `
	INSERT INTO sync_queue (` + syncItemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		item.ID, item.EntityID, item.Action, string(item.Payload), item.Status, item.Priority,
		item.Attempts, item.MaxAttempts, item.NextAttempt, item.LastError,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to insert sync item", err)
	}

	r.notify.publish(ChangeEvent{Table: "sync_queue", Op: OpCreate, ID: string(item.ID)})
	return nil
}

// GetSyncItem retrieves a queue item by ID.
func (r *Repository) GetSyncItem(id string) (*models.SyncItem, error) {
	query := `SELECT ` + syncItemColumns + ` FROM sync_queue WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	item, err := scanSyncItem(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "sync item %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get sync item", err)
	}
	return item, nil
}

// UpdateSyncItem applies a partial mutation to a queue item and stamps
// UpdatedAt.
func (r *Repository) UpdateSyncItem(id string, mutate func(*models.SyncItem) error) (*models.SyncItem, error) {
	before, err := r.GetSyncItem(id)
	if err != nil {
		return nil, err
	}

	after := *before
	if err := mutate(&after); err != nil {
		return nil, err
	}
	after.ID = before.ID
	after.UpdatedAt = r.now().Unix()

	query := `
	UPDATE sync_queue SET
		entity_id = ?, action = ?, payload = ?, status = ?, priority = ?,
		attempts = ?, max_attempts = ?, next_attempt = ?, last_error = ?,
		created_at = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = r.db.Exec(query,
		after.EntityID, after.Action, string(after.Payload), after.Status, after.Priority,
		after.Attempts, after.MaxAttempts, after.NextAttempt, after.LastError,
		after.CreatedAt, after.UpdatedAt,
		after.ID,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to update sync item", err)
	}

	r.notify.publish(ChangeEvent{Table: "sync_queue", Op: OpUpdate, ID: string(after.ID)})
	return &after, nil
}

// DueSyncItems returns up to limit pending items whose NextAttempt has
// passed, ordered by priority (high first) then FIFO within priority.
// Uses the (status, next_attempt) index.
func (r *Repository) DueSyncItems(now time.Time, limit int) ([]*models.SyncItem, error) {
	query := `
	SELECT ` + syncItemColumns + ` FROM sync_queue
	WHERE status = ? AND next_attempt <= ?
	ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 WHEN 'low' THEN 2 ELSE 3 END,
		created_at
	LIMIT ?
	`
	return r.querySyncItems(query, models.SyncItemPending, now.Unix(), limit)
}

// ListSyncItemsByEntity returns the queue items referencing an entity.
func (r *Repository) ListSyncItemsByEntity(entityID string) ([]*models.SyncItem, error) {
	return r.querySyncItems(
		`SELECT `+syncItemColumns+` FROM sync_queue WHERE entity_id = ? ORDER BY created_at`, entityID)
}

// ListSyncItemsByStatus returns queue items in a given status. Failed
// items stay visible here until explicitly cleared.
func (r *Repository) ListSyncItemsByStatus(status models.SyncItemStatus) ([]*models.SyncItem, error) {
	return r.querySyncItems(
		`SELECT `+syncItemColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at`, status)
}

// ResetFailedSyncItems moves failed items back to pending with attempts
// reset to zero and the backoff cleared. An empty entityID resets the
// whole queue. Returns the number of items reset.
func (r *Repository) ResetFailedSyncItems(entityID string, now time.Time) (int, error) {
	query := `
	UPDATE sync_queue
	SET status = ?, attempts = 0, next_attempt = 0, last_error = '', updated_at = ?
	WHERE status = ?
	`
	args := []interface{}{models.SyncItemPending, now.Unix(), models.SyncItemFailed}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to reset failed sync items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.notify.publish(ChangeEvent{Table: "sync_queue", Op: OpUpdate, ID: entityID})
	}
	return int(n), nil
}

// PruneCompletedSyncItems removes completed items older than the cutoff.
// Failed items are never pruned here.
func (r *Repository) PruneCompletedSyncItems(before time.Time) (int, error) {
	res, err := r.db.Exec(
		"DELETE FROM sync_queue WHERE status = ? AND updated_at < ?",
		models.SyncItemCompleted, before.Unix())
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to prune sync queue", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearFailedSyncItems removes failed items after the user has
// explicitly acknowledged them.
func (r *Repository) ClearFailedSyncItems(entityID string) (int, error) {
	query := "DELETE FROM sync_queue WHERE status = ?"
	args := []interface{}{models.SyncItemFailed}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to clear failed sync items", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SyncQueueStats returns the per-status item counts.
func (r *Repository) SyncQueueStats() (map[models.SyncItemStatus]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query queue stats", err)
	}
	defer rows.Close()

	stats := map[models.SyncItemStatus]int{
		models.SyncItemPending:    0,
		models.SyncItemProcessing: 0,
		models.SyncItemCompleted:  0,
		models.SyncItemFailed:     0,
	}
	for rows.Next() {
		var status models.SyncItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue stats", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *Repository) querySyncItems(query string, args ...interface{}) ([]*models.SyncItem, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query sync items", err)
	}
	defer rows.Close()

	var items []*models.SyncItem
	for rows.Next() {
		item, err := scanSyncItem(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan sync item", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanSyncItem(row rowScanner) (*models.SyncItem, error) {
	var item models.SyncItem
	var payload string
	err := row.Scan(
		&item.ID, &item.EntityID, &item.Action, &payload, &item.Status, &item.Priority,
		&item.Attempts, &item.MaxAttempts, &item.NextAttempt, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	return &item, nil
}
