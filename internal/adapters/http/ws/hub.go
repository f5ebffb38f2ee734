// Package ws streams presence snapshots to browsers over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/fleetwatch/internal/presence"
	"github.com/okian/fleetwatch/pkg/logger"
	"github.com/okian/fleetwatch/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// MessageTypePresence tags full presence snapshots.
const MessageTypePresence = "presence"

// Message is the frame sent to clients. Every frame carries the complete
// sorted list, so a client that misses one catches up on the next.
type Message struct {
	Type      string           `json:"type"`
	Count     int              `json:"count"`
	Records   []presence.Entry `json:"records"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewSnapshot builds a presence frame.
func NewSnapshot(entries []presence.Entry, at time.Time) Message {
	if entries == nil {
		entries = []presence.Entry{}
	}
	return Message{Type: MessageTypePresence, Count: len(entries), Records: entries, Timestamp: at.UTC()}
}

// SnapshotFunc returns the frame a newly connected client receives first.
type SnapshotFunc func() Message

// Hub tracks connected clients and fans frames out to them.
type Hub struct {
	snapshot SnapshotFunc
	logger   logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub. Run must be called before clients connect.
func NewHub(snapshot SnapshotFunc, opts ...Option) *Hub {
	h := &Hub{
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Get().Named("ws")
	}
	return h
}

// Run serves register, unregister and broadcast requests until ctx ends,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.UpdateWebsocketClients(0)
			return

		case c := <-h.register:
			if h.snapshot != nil {
				if frame, err := json.Marshal(h.snapshot()); err == nil {
					c.send <- frame
				} else {
					h.logger.Error(ctx, "failed to encode snapshot", logger.Error(err))
				}
			}
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.UpdateWebsocketClients(n)
			h.logger.Debug(ctx, "client connected", logger.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.UpdateWebsocketClients(n)
			h.logger.Debug(ctx, "client disconnected", logger.Int("clients", n))

		case frame := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					// Slow client; it reconnects and gets a fresh snapshot.
					close(c.send)
					delete(h.clients, c)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.UpdateWebsocketClients(n)
			metrics.RecordWebsocketBroadcast()
		}
	}
}

// Broadcast queues msg for every client. It never blocks; when the queue is
// full the frame is dropped, since a later snapshot supersedes it.
func (h *Hub) Broadcast(msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(context.Background(), "failed to encode broadcast", logger.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
		h.logger.Warn(context.Background(), "broadcast queue full, dropping frame")
		metrics.RecordErrorByComponent("ws", "broadcast_dropped")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards client frames and keeps the read deadline alive.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug(context.Background(), "websocket read error", logger.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
