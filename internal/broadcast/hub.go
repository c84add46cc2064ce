// Package broadcast fans monitoring events out to every connected dashboard
// observer over a server-sent-event framing.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const clientBufferSize = 64

// Client is one observer connection. Events framed for the wire arrive on the
// receive channel; the channel is closed when the client is unregistered.
type Client struct {
	ID          string
	ConnectedAt time.Time
	send        chan []byte
}

func NewClient() *Client {
	return &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		send:        make(chan []byte, clientBufferSize),
	}
}

// Receive returns the channel the hub delivers framed events on.
func (c *Client) Receive() <-chan []byte {
	return c.send
}

// Hub is the process-wide fan-out registry. It is constructed explicitly and
// passed to producers; Register, Unregister and Broadcast are safe to call
// concurrently.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]*Client
	closed   bool
	pingStop chan struct{}

	pingInterval time.Duration
	log          zerolog.Logger
}

func New(pingInterval time.Duration, log zerolog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		pingInterval: pingInterval,
		log:          log,
	}
}

// Register adds a client to the registry. Registering on a shut-down hub
// closes the client immediately so its pump loop exits.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(client.send)
		return
	}

	h.clients[client.ID] = client
	if len(h.clients) == 1 && h.pingInterval > 0 {
		h.pingStop = make(chan struct{})
		go h.keepalive(h.pingStop)
	}
	h.log.Debug().Str("client_id", client.ID).Int("total", len(h.clients)).Msg("observer connected")
}

// Unregister removes a client. Idempotent: unknown ids and repeated calls are
// no-ops, so both the close handler and a write-failure path may call it.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(clientID)
}

func (h *Hub) removeLocked(clientID string) {
	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	delete(h.clients, clientID)
	close(client.send)
	if len(h.clients) == 0 && h.pingStop != nil {
		close(h.pingStop)
		h.pingStop = nil
	}
	h.log.Debug().Str("client_id", clientID).Int("total", len(h.clients)).Msg("observer disconnected")
}

// Broadcast serializes the payload once and delivers the framed event to every
// registered client. A client whose buffer is full is pruned rather than
// awaited, so a slow observer never blocks the producer.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("failed to encode broadcast payload")
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		select {
		case client.send <- frame:
		default:
			h.log.Warn().Str("client_id", id).Str("event", eventType).Msg("observer too slow, dropping connection")
			h.removeLocked(id)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown stops the keepalive ticker and disconnects every client. The hub
// accepts no registrations afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	if h.pingStop != nil {
		close(h.pingStop)
		h.pingStop = nil
	}
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
}

// keepalive pings all clients on a fixed interval so idle connections are not
// reaped by intermediaries. It runs only while at least one client is
// registered; stop is closed when the count drops to zero or on Shutdown.
func (h *Hub) keepalive(stop chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Broadcast("ping", map[string]any{"timestamp": time.Now().UTC()})
		case <-stop:
			return
		}
	}
}
