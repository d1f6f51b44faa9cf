package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"serialhub/internal/infrastructure"
	"serialhub/pkg/contracts/domain"
	"serialhub/pkg/contracts/events"
)

const broadcastBuffer = 256

// ErrHubBusy is returned by Publish when the broadcast queue is full.
var ErrHubBusy = errors.New("websocket hub busy")

type broadcast struct {
	serialID uuid.UUID
	payload  []byte
}

// Hub fans usage events out to subscribed websocket clients. Clients may
// watch every serial or a single one.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *slog.Logger

	totalConnections int64
	framesSent       int64
	framesDropped    int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan broadcast, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
	}
}

// Run owns the client set until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", slog.Int("clients", h.ClientCount()))
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.InfoContext(c.context(), "client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", count))
			h.greet(c)

		case c := <-h.unregister:
			h.drop(c, "client unregistered")

		case msg := <-h.broadcast:
			h.fanout(msg)
		}
	}
}

// Publish queues a usage frame. It never blocks on slow clients.
func (h *Hub) Publish(ctx context.Context, ev domain.UsageEvent) error {
	payload, err := json.Marshal(events.Frame{
		Type:      events.FrameUsage,
		Data:      ev,
		Timestamp: ev.OccurredAt,
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- broadcast{serialID: ev.SerialID, payload: payload}:
		return nil
	case <-h.done:
		return nil
	default:
		return ErrHubBusy
	}
}

// Register hands c to the hub loop. It returns false once the hub stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int64{
		"active_clients":    int64(len(h.clients)),
		"total_connections": h.totalConnections,
		"frames_sent":       h.framesSent,
		"frames_dropped":    h.framesDropped,
	}
}

func (h *Hub) greet(c *Client) {
	payload, err := json.Marshal(events.Frame{
		Type: events.FrameConnection,
		Data: map[string]any{
			"status":    "connected",
			"client_id": c.id,
			"serial_id": c.filter,
		},
		Timestamp: time.Now().UTC(),
		TraceID:   c.traceID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.WarnContext(c.context(), "client buffer full on connect", slog.String("client_id", c.id))
	}
}

func (h *Hub) fanout(msg broadcast) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(msg.serialID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, c := range targets {
		select {
		case c.send <- msg.payload:
		default:
			slow = append(slow, c)
		}
	}

	h.mu.Lock()
	h.framesSent += int64(len(targets) - len(slow))
	h.framesDropped += int64(len(slow))
	h.mu.Unlock()

	for _, c := range slow {
		h.drop(c, "client send buffer full, disconnecting")
	}
}

func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.InfoContext(c.context(), reason,
		slog.String("client_id", c.id),
		slog.Int("total_clients", count),
		slog.Duration("connection_duration", time.Since(c.connectedAt)))
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}
