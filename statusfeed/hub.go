// Package statusfeed exposes the sync engine's reconciliation events as a
// local websocket stream (/v1/events), for a desktop UI or CLI watcher.
// Whether an applied inbound payload should also trigger a desktop
// notification is a UI-layer policy decision this package does not make
// (spec §9(a)); it only reports that the event happened.
package statusfeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/postsync/post/internal/logger"
	"github.com/postsync/post/syncengine"
)

// wireEvent is the JSON shape pushed to each connected client.
type wireEvent struct {
	Kind       string `json:"kind"`
	OriginNode string `json:"origin_node"`
	MIME       string `json:"mime"`
	Size       int    `json:"size"`
	At         string `json:"at"`
}

// Hub fans syncengine.Event out to every connected websocket client. Its
// Broadcast method is safe to register directly as an Engine event sink.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan wireEvent
}

// NewHub builds an empty event hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]chan wireEvent),
	}
}

// Broadcast fans evt out to every connected client. A client whose send
// channel is full is dropped rather than allowed to stall the caller,
// since this runs on the sync engine's actor goroutine.
func (h *Hub) Broadcast(evt syncengine.Event) {
	out := wireEvent{
		Kind:       string(evt.Kind),
		OriginNode: evt.OriginNode,
		MIME:       string(evt.MIME),
		Size:       evt.Size,
		At:         evt.At.Format(time.RFC3339Nano),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- out:
		default:
			logger.Warn("status feed client too slow, dropping connection")
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

// Handler upgrades GET /v1/events to a websocket and streams events to it
// until the connection closes.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("status feed upgrade failed", logger.Error(err))
			return
		}

		ch := make(chan wireEvent, 32)
		h.mu.Lock()
		h.clients[conn] = ch
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				close(ch)
			}
			h.mu.Unlock()
			conn.Close()
		}()

		for evt := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
