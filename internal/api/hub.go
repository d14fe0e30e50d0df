package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/tally/internal/mutation"
)

// Notification kinds sent on the websocket stream.
const (
	KindSynced    = "synced"
	KindFailed    = "failed"
	KindPermanent = "permanent"
)

// Event is one notification frame.
type Event struct {
	Kind   string           `json:"kind"`
	Count  int              `json:"count"`
	Record *mutation.Record `json:"record,omitempty"`
}

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

// Hub fans sync notifications out to websocket clients. It implements
// engine.Notifier. A client that falls clientBuffer events behind loses
// the overflow.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[chan Event]struct{})}
}

func (h *Hub) Synced(n int) { h.broadcast(Event{Kind: KindSynced, Count: n}) }

func (h *Hub) Failed(n int) { h.broadcast(Event{Kind: KindFailed, Count: n}) }

func (h *Hub) PermanentlyFailed(rec mutation.Record) {
	h.broadcast(Event{Kind: KindPermanent, Count: 1, Record: &rec})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("notification dropped: client too slow", "kind", ev.Kind)
		}
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Frames from the client are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
