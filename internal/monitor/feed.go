package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

// FeedMessage is one frame on the live dashboard stream.
type FeedMessage struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed fans live monitoring messages out to connected dashboard sockets.
type Feed struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	logger  *slog.Logger
}

func NewFeed(logger *slog.Logger) *Feed {
	return &Feed{
		clients: make(map[*feedClient]struct{}),
		logger:  logger,
	}
}

func (f *Feed) register(c *feedClient) {
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
}

func (f *Feed) unregister(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

// Broadcast sends one message to every connected client. Slow clients
// drop messages rather than block the sender.
func (f *Feed) Broadcast(msgType string, payload any) {
	data, err := json.Marshal(FeedMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		f.logger.Error("marshal feed message", "error", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for c := range f.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// BroadcastAlert publishes a firing alert to the stream.
func (f *Feed) BroadcastAlert(a Alert) {
	f.Broadcast("alert", a)
}

// ClientCount returns the number of connected dashboard sockets.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Handler upgrades the request to a WebSocket and streams feed messages
// until the client disconnects.
func (f *Feed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			f.logger.Error("feed accept", "error", err)
			return
		}
		c := newFeedClient(f, conn)
		c.run(r.Context())
	}
}
