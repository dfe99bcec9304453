package db

import "sync"

// ChangeOp identifies the kind of committed write.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent describes one committed write to a table.
type ChangeEvent struct {
	Table string
	Op    ChangeOp
	ID    string
}

// notifier fans committed write events out to subscribers. Events are
// delivered best-effort: a subscriber that falls behind its buffer loses
// events rather than blocking writers.
type notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	table string // empty subscribes to all tables
	ch    chan ChangeEvent
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]*subscription)}
}

// subscribe registers interest in writes to a table. An empty table name
// matches every table. The returned cancel func must be called to
// release the subscription.
func (n *notifier) subscribe(table string) (<-chan ChangeEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	sub := &subscription{
		table: table,
		ch:    make(chan ChangeEvent, 16),
	}
	n.subs[id] = sub

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.ch)
		}
	}

	return sub.ch, cancel
}

// publish delivers an event to every matching subscriber.
func (n *notifier) publish(evt ChangeEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub.table != "" && sub.table != evt.Table {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full; drop rather than block the writer.
		}
	}
}
