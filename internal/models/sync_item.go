// Package models provides data model definitions for the FibreField sync core.
package models

import (
	"encoding/json"
	"fmt"
)

// SyncAction represents the kind of remote work a queue item carries.
type SyncAction string

const (
	ActionCreate      SyncAction = "create"
	ActionUpdate      SyncAction = "update"
	ActionDelete      SyncAction = "delete"
	ActionPhotoUpload SyncAction = "photo_upload"
)

// SyncPriority orders queue items within a batch. It never preempts
// in-flight work.
type SyncPriority string

const (
	PriorityHigh   SyncPriority = "high"
	PriorityMedium SyncPriority = "medium"
	PriorityLow    SyncPriority = "low"
)

// Rank returns the sort rank of a priority, high first. Unknown
// priorities sort last.
func (p SyncPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// SyncItemStatus represents the status of a queued operation.
type SyncItemStatus string

const (
	SyncItemPending    SyncItemStatus = "pending"
	SyncItemProcessing SyncItemStatus = "processing"
	SyncItemCompleted  SyncItemStatus = "completed"
	SyncItemFailed     SyncItemStatus = "failed"
)

// RecordPayload is the payload snapshot carried by create and update
// queue items.
type RecordPayload struct {
	Capture      *Capture `json:"capture"`
	LocalVersion int      `json:"local_version"`
}

// DeletePayload is the payload carried by delete queue items.
type DeletePayload struct {
	RemoteID string `json:"remote_id,omitempty"`
}

// PhotoUploadPayload is the payload carried by photo upload queue items.
type PhotoUploadPayload struct {
	PhotoID   UUID   `json:"photo_id"`
	CaptureID UUID   `json:"capture_id"`
	Type      string `json:"type"`
}

// SyncItem is one retryable unit of outbound work tied to an entity
// mutation. Payload is a tagged union keyed by Action: RecordPayload for
// create/update, DeletePayload for delete, PhotoUploadPayload for
// photo_upload.
type SyncItem struct {
	ID       UUID            `db:"id" json:"id"`
	EntityID UUID            `db:"entity_id" json:"entity_id"`
	Action   SyncAction      `db:"action" json:"action"`
	Payload  json.RawMessage `db:"payload" json:"payload"`

	Status   SyncItemStatus `db:"status" json:"status"`
	Priority SyncPriority   `db:"priority" json:"priority"`

	Attempts    int    `db:"attempts" json:"attempts"`
	MaxAttempts int    `db:"max_attempts" json:"max_attempts"`
	NextAttempt int64  `db:"next_attempt" json:"next_attempt"`
	LastError   string `db:"last_error" json:"last_error,omitempty"`

	CreatedAt int64 `db:"created_at" json:"created_at"`
	UpdatedAt int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncItem.
func (SyncItem) TableName() string {
	return "sync_queue"
}

// SetPayload marshals a typed payload into the item after checking that
// the payload variant matches the item's action.
func (s *SyncItem) SetPayload(payload interface{}) error {
	switch payload.(type) {
	case *RecordPayload, RecordPayload:
		if s.Action != ActionCreate && s.Action != ActionUpdate {
			return fmt.Errorf("record payload requires create or update action, got %s", s.Action)
		}
	case *DeletePayload, DeletePayload:
		if s.Action != ActionDelete {
			return fmt.Errorf("delete payload requires delete action, got %s", s.Action)
		}
	case *PhotoUploadPayload, PhotoUploadPayload:
		if s.Action != ActionPhotoUpload {
			return fmt.Errorf("photo payload requires photo_upload action, got %s", s.Action)
		}
	default:
		return fmt.Errorf("unsupported payload type %T", payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	s.Payload = data
	return nil
}

// RecordPayload decodes the payload of a create or update item.
func (s *SyncItem) RecordPayload() (*RecordPayload, error) {
	if s.Action != ActionCreate && s.Action != ActionUpdate {
		return nil, fmt.Errorf("item %s has action %s, not create/update", s.ID, s.Action)
	}
	var p RecordPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record payload: %w", err)
	}
	return &p, nil
}

// DeletePayload decodes the payload of a delete item.
func (s *SyncItem) DeletePayload() (*DeletePayload, error) {
	if s.Action != ActionDelete {
		return nil, fmt.Errorf("item %s has action %s, not delete", s.ID, s.Action)
	}
	var p DeletePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delete payload: %w", err)
	}
	return &p, nil
}

// PhotoUploadPayload decodes the payload of a photo_upload item.
func (s *SyncItem) PhotoUploadPayload() (*PhotoUploadPayload, error) {
	if s.Action != ActionPhotoUpload {
		return nil, fmt.Errorf("item %s has action %s, not photo_upload", s.ID, s.Action)
	}
	var p PhotoUploadPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal photo payload: %w", err)
	}
	return &p, nil
}
