package push

import (
	"github.com/fibrefield/fieldsync/internal/db"
)

// Bridge republishes repository change events onto the websocket feed.
type Bridge struct {
	hub    *Hub
	cancel func()
	done   chan struct{}
}

// NewBridge subscribes to all store changes and starts forwarding.
func NewBridge(repo *db.Repository, hub *Hub) *Bridge {
	events, cancel := repo.Subscribe("")
	b := &Bridge{hub: hub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(b.done)
		for ev := range events {
			hub.Broadcast(eventTypeFor(ev), map[string]interface{}{
				"table": ev.Table,
				"op":    string(ev.Op),
				"id":    ev.ID,
			})
		}
	}()

	return b
}

// Close stops forwarding and waits for the forwarder to drain.
func (b *Bridge) Close() {
	b.cancel()
	<-b.done
}

func eventTypeFor(ev db.ChangeEvent) string {
	switch ev.Table {
	case "captures":
		switch ev.Op {
		case db.OpCreate:
			return EventCaptureCreated
		case db.OpDelete:
			return EventCaptureDeleted
		}
		return EventCaptureUpdated
	case "photos":
		return EventPhotoChanged
	case "sync_queue":
		return EventQueueChanged
	}
	return EventQueueChanged
}
