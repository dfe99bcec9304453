// Package push exposes a local websocket feed of store and sync events
// so the capture UI can react to background changes in real time.
package push

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fibrefield/fieldsync/internal/logging"
)

// Event types carried on the feed.
const (
	EventCaptureCreated = "capture.created"
	EventCaptureUpdated = "capture.updated"
	EventCaptureDeleted = "capture.deleted"
	EventPhotoChanged   = "photo.changed"
	EventQueueChanged   = "queue.changed"

	EventSyncBatchStarted   = "sync.batch_started"
	EventSyncBatchCompleted = "sync.batch_completed"
	EventSyncOnlineChanged  = "sync.online_changed"

	EventExportCompleted = "export.completed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is local-only.
		host := r.Host
		return host == "localhost" || host == "127.0.0.1" ||
			strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:")
	},
}

// Envelope wraps every message on the feed.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one connected websocket consumer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans events out to connected clients. Slow clients are dropped
// rather than allowed to stall the feed.
type Hub struct {
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	log        *logrus.Entry
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        logging.WithComponent("push"),
	}
	go h.run()
	return h
}

// Close shuts the hub down and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.log.WithFields(logrus.Fields{"client": c.id, "total": len(h.clients)}).Debug("client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.log.WithFields(logrus.Fields{"client": c.id, "total": len(h.clients)}).Debug("client disconnected")

		case message := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Send buffer full; the client is too slow.
					close(c.send)
					delete(h.clients, id)
				}
			}
		}
	}
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	bytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return
	}

	select {
	case h.broadcast <- bytes:
	case <-h.done:
	}
}

// Handler upgrades HTTP requests onto the feed.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Warn("websocket upgrade failed")
			return
		}

		c := &client{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}

		h.register <- c
		go c.writePump()
		go c.readPump()
	}
}

// readPump drains the connection so pings and closes are handled.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
