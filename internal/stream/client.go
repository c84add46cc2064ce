// Package stream implements the camera-side ingestion client: it joins a
// signaling room, negotiates a peer channel and surfaces inbound detection
// messages to the caller.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrReconnectExhausted = errors.New("signaling reconnect attempts exhausted")

const (
	dialTimeout        = 5 * time.Second
	candidateQueueSize = 16
)

type Config struct {
	SignalingURL          string
	RoomID                string
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
}

func (c *Config) applyDefaults() {
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
}

// Client maintains the signaling connection and the peer negotiation for one
// camera device. All exported methods are safe for concurrent use; Stop may
// be called from any state, including mid-reconnect.
type Client struct {
	cfg    Config
	source MediaSource
	log    zerolog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	stopped        bool
	attempt        int
	reconnectTimer *time.Timer

	detections chan DetectionMessage
	states     chan StateEvent
	candidates chan json.RawMessage
}

func New(cfg Config, source MediaSource, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		source:     source,
		log:        log,
		state:      StateIdle,
		detections: make(chan DetectionMessage, 1),
		states:     make(chan StateEvent, 1),
		candidates: make(chan json.RawMessage, candidateQueueSize),
	}
}

// Detections delivers inbound AI results. The channel holds only the newest
// undelivered message: a slow consumer sees the latest detection, not a
// backlog.
func (c *Client) Detections() <-chan DetectionMessage {
	return c.detections
}

// States reports connection-state transitions, latest-value-wins.
func (c *Client) States() <-chan StateEvent {
	return c.states
}

// Candidates delivers inbound ICE candidates for the local media stack. They
// are relayed without interpretation.
func (c *Client) Candidates() <-chan json.RawMessage {
	return c.candidates
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start acquires the media source and joins the signaling room. Acquisition
// failures (permission denied, device missing or busy) are returned verbatim
// and never retried.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.New("client is stopped")
	}
	if c.state != StateIdle {
		return fmt.Errorf("cannot start from state %s", c.state)
	}

	c.setStateLocked(StateConnecting, nil)
	if err := c.source.Acquire(ctx); err != nil {
		c.setStateLocked(StateIdle, nil)
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		_ = c.source.Release()
		c.setStateLocked(StateIdle, nil)
		return fmt.Errorf("connect signaling relay %s: %w", c.cfg.SignalingURL, err)
	}

	c.establishLocked(conn)
	return nil
}

// establishLocked finishes connection setup: join the room, mark connected
// and spawn the read loop. Caller holds c.mu.
func (c *Client) establishLocked(conn *websocket.Conn) {
	c.conn = conn
	c.attempt = 0

	join := SignalMessage{Type: TypeJoinRoom, RoomID: c.cfg.RoomID}
	if err := conn.WriteJSON(join); err != nil {
		c.log.Error().Err(err).Msg("failed to send join-room")
	}
	c.setStateLocked(StateConnected, nil)
	go c.readLoop(conn)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.SignalingURL, http.Header{})
	return conn, err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleMessage(conn, msg)
	}
}

func (c *Client) handleMessage(conn *websocket.Conn, msg SignalMessage) {
	switch msg.Type {
	case TypeUserJoined:
		// The processing peer joined the room: offer our session.
		c.log.Debug().Str("user_id", msg.UserID).Msg("peer joined, sending offer")
		sdp, err := c.source.Description()
		if err != nil {
			c.log.Error().Err(err).Msg("failed to build session description")
			return
		}
		offer := SignalMessage{Type: TypeOffer, SDP: sdp, RoomID: c.cfg.RoomID}
		if err := conn.WriteJSON(offer); err != nil {
			c.log.Error().Err(err).Msg("failed to send offer")
		}

	case TypeAnswer:
		c.mu.Lock()
		if !c.stopped && c.state == StateConnected {
			c.setStateLocked(StateStreaming, nil)
		}
		c.mu.Unlock()

	case TypeICECandidate:
		c.pushCandidate(msg.Candidate)

	case TypeDetection:
		c.pushDetection(DetectionMessage{Detections: msg.Detections, ReceivedAt: time.Now()})

	case TypeUserLeft:
		c.log.Debug().Str("user_id", msg.UserID).Msg("peer left room")

	default:
		// Unknown message types are ignorable for forward compatibility.
		c.log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown signaling message")
	}
}

// SendCandidate relays a locally gathered ICE candidate to the peer.
func (c *Client) SendCandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("signaling connection not established")
	}
	return conn.WriteJSON(SignalMessage{Type: TypeICECandidate, Candidate: candidate, RoomID: c.cfg.RoomID})
}

// handleDisconnect reacts to an unsolicited signaling drop by scheduling a
// reconnect with exponential backoff. A deliberate Stop produces no reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.conn != conn {
		return
	}
	c.conn = nil
	c.log.Warn().Err(err).Msg("signaling connection lost")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	c.attempt++
	if c.attempt > c.cfg.ReconnectMaxAttempts {
		c.log.Error().Int("attempts", c.cfg.ReconnectMaxAttempts).Msg("giving up on signaling reconnect")
		_ = c.source.Release()
		c.stopped = true
		c.setStateLocked(StateStopped, ErrReconnectExhausted)
		c.closeChannelsLocked()
		return
	}

	delay := c.NextDelay(c.attempt)
	c.setStateLocked(StateConnecting, nil)
	c.log.Info().
		Int("attempt", c.attempt).
		Dur("delay", delay).
		Msg("scheduling signaling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

// NextDelay returns the backoff delay before the given attempt: the initial
// delay doubled per attempt, capped at the configured maximum.
func (c *Client) NextDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectInitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectMaxDelay {
			return c.cfg.ReconnectMaxDelay
		}
	}
	if delay > c.cfg.ReconnectMaxDelay {
		return c.cfg.ReconnectMaxDelay
	}
	return delay
}

func (c *Client) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.reconnectTimer = nil

	conn, err := c.dial(context.Background())
	if err != nil {
		c.log.Warn().Err(err).Int("attempt", c.attempt).Msg("signaling reconnect failed")
		c.scheduleReconnectLocked()
		return
	}
	c.establishLocked(conn)
}

// Stop shuts the client down from any state: it disables future reconnects,
// cancels a pending reconnect timer, releases the media source and closes the
// signaling socket. Safe to call more than once.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	err := c.source.Release()

	c.setStateLocked(StateStopped, nil)
	c.closeChannelsLocked()
	return err
}

func (c *Client) closeChannelsLocked() {
	close(c.detections)
	close(c.states)
	close(c.candidates)
}

// setStateLocked records a transition and publishes it latest-value-wins.
// Caller holds c.mu.
func (c *Client) setStateLocked(state State, err error) {
	c.state = state
	ev := StateEvent{State: state, Err: err}
	select {
	case c.states <- ev:
	default:
		select {
		case <-c.states:
		default:
		}
		c.states <- ev
	}
}

func (c *Client) pushDetection(msg DetectionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.detections <- msg:
	default:
		// Newest supersedes an undelivered older message.
		select {
		case <-c.detections:
		default:
		}
		c.detections <- msg
	}
}

func (c *Client) pushCandidate(candidate json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.candidates <- candidate:
	default:
		c.log.Warn().Msg("candidate queue full, dropping ICE candidate")
	}
}
