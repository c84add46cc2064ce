package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
}

func (f *fakeSource) Acquire(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired++
	return nil
}

func (f *fakeSource) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeSource) Description() (string, error) {
	return "v=0 test-session", nil
}

func (f *fakeSource) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// signalServer is an in-process signaling relay: every accepted websocket
// lands on the conns channel for the test to drive directly.
type signalServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newSignalServer(t *testing.T) *signalServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &signalServer{conns: make(chan *websocket.Conn, 4)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *signalServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *signalServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a signaling connection")
		return nil
	}
}

func readSignal(t *testing.T, conn *websocket.Conn) SignalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForState(t *testing.T, c *Client, want State) StateEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.States():
			require.True(t, ok, "state channel closed before reaching %s", want)
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (currently %s)", want, c.State())
			return StateEvent{}
		}
	}
}

func testConfig(url string) Config {
	return Config{
		SignalingURL:          url,
		RoomID:                "lot-1",
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     40 * time.Millisecond,
		ReconnectMaxAttempts:  3,
	}
}

func TestNextDelayDoublesAndCaps(t *testing.T) {
	c := New(Config{
		SignalingURL:          "ws://unused",
		ReconnectInitialDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:     time.Second,
		ReconnectMaxAttempts:  10,
	}, &fakeSource{}, zerolog.Nop())

	assert.Equal(t, 100*time.Millisecond, c.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, c.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, c.NextDelay(3))
	assert.Equal(t, 800*time.Millisecond, c.NextDelay(4))
	assert.Equal(t, time.Second, c.NextDelay(5))
	assert.Equal(t, time.Second, c.NextDelay(8))
}

func TestStartJoinsRoom(t *testing.T) {
	server := newSignalServer(t)
	source := &fakeSource{}
	c := New(testConfig(server.url()), source, zerolog.Nop())
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))

	conn := server.accept(t)
	join := readSignal(t, conn)
	assert.Equal(t, TypeJoinRoom, join.Type)
	assert.Equal(t, "lot-1", join.RoomID)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, source.acquired)
}

func TestStartFromNonIdleStateFails(t *testing.T) {
	server := newSignalServer(t)
	c := New(testConfig(server.url()), &fakeSource{}, zerolog.Nop())
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()))
}

func TestStartSourceAcquisitionFailure(t *testing.T) {
	server := newSignalServer(t)
	source := &fakeSource{acquireErr: ErrPermissionDenied}
	c := New(testConfig(server.url()), source, zerolog.Nop())

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateIdle, c.State(), "acquisition failure returns the client to idle")
	assert.Equal(t, 0, source.releaseCount())
}

func TestNegotiationAndDetectionFlow(t *testing.T) {
	server := newSignalServer(t)
	c := New(testConfig(server.url()), &fakeSource{}, zerolog.Nop())
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	conn := server.accept(t)
	readSignal(t, conn) // join-room

	// Peer joins: the client must offer its session.
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: TypeUserJoined, UserID: "processor-1"}))
	offer := readSignal(t, conn)
	assert.Equal(t, TypeOffer, offer.Type)
	assert.Equal(t, "v=0 test-session", offer.SDP)

	require.NoError(t, conn.WriteJSON(SignalMessage{Type: TypeAnswer, SDP: "v=0 remote"}))
	waitForState(t, c, StateStreaming)

	candidate := json.RawMessage(`{"candidate":"relay 1"}`)
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: TypeICECandidate, Candidate: candidate}))
	select {
	case got := <-c.Candidates():
		assert.JSONEq(t, string(candidate), string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the relayed candidate")
	}

	require.NoError(t, conn.WriteJSON(SignalMessage{
		Type:       TypeDetection,
		Detections: json.RawMessage(`[{"slot_id":1,"status":"occupied"}]`),
	}))
	select {
	case msg := <-c.Detections():
		assert.Contains(t, string(msg.Detections), `"slot_id":1`)
		assert.False(t, msg.ReceivedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the detection message")
	}
}

func TestDetectionsLatestValueWins(t *testing.T) {
	server := newSignalServer(t)
	c := New(testConfig(server.url()), &fakeSource{}, zerolog.Nop())
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	conn := server.accept(t)
	readSignal(t, conn)

	// Two detections with no consumer reading in between, then an answer as a
	// sequencing marker: once streaming is observed, both pushes happened.
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: TypeDetection, Detections: json.RawMessage(`{"seq":1}`)}))
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: TypeDetection, Detections: json.RawMessage(`{"seq":2}`)}))
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: TypeAnswer}))
	waitForState(t, c, StateStreaming)

	select {
	case msg := <-c.Detections():
		assert.JSONEq(t, `{"seq":2}`, string(msg.Detections), "the undelivered older detection is superseded")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the detection message")
	}
	select {
	case msg := <-c.Detections():
		t.Fatalf("unexpected second detection: %s", msg.Detections)
	default:
	}
}

func TestSendCandidateRelaysToPeer(t *testing.T) {
	server := newSignalServer(t)
	c := New(testConfig(server.url()), &fakeSource{}, zerolog.Nop())
	defer c.Stop()

	require.Error(t, c.SendCandidate(json.RawMessage(`{}`)), "no connection yet")

	require.NoError(t, c.Start(context.Background()))
	conn := server.accept(t)
	readSignal(t, conn)

	require.NoError(t, c.SendCandidate(json.RawMessage(`{"candidate":"host 1"}`)))
	msg := readSignal(t, conn)
	assert.Equal(t, TypeICECandidate, msg.Type)
	assert.Equal(t, "lot-1", msg.RoomID)
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	server := newSignalServer(t)
	c := New(testConfig(server.url()), &fakeSource{}, zerolog.Nop())
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	first := server.accept(t)
	readSignal(t, first)

	require.NoError(t, first.Close())

	// The client redials and rejoins the same room.
	second := server.accept(t)
	join := readSignal(t, second)
	assert.Equal(t, TypeJoinRoom, join.Type)
	assert.Equal(t, "lot-1", join.RoomID)
	waitForState(t, c, StateConnected)
}

func TestReconnectExhaustion(t *testing.T) {
	server := newSignalServer(t)
	source := &fakeSource{}
	c := New(testConfig(server.url()), source, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	conn := server.accept(t)
	readSignal(t, conn)

	// Take the relay down entirely so every redial fails.
	server.srv.Close()
	_ = conn.Close()

	var last StateEvent
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.States():
			if !ok {
				require.Equal(t, StateStopped, last.State)
				require.ErrorIs(t, last.Err, ErrReconnectExhausted)
				assert.Equal(t, 1, source.releaseCount())
				// The other consumer channels are closed too.
				_, open := <-c.Detections()
				assert.False(t, open)
				return
			}
			last = ev
		case <-deadline:
			t.Fatalf("client never gave up, state %s", c.State())
		}
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	server := newSignalServer(t)
	source := &fakeSource{}
	cfg := testConfig(server.url())
	cfg.ReconnectInitialDelay = 500 * time.Millisecond
	c := New(cfg, source, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	conn := server.accept(t)
	readSignal(t, conn)

	require.NoError(t, conn.Close())
	waitForState(t, c, StateConnecting)

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, source.releaseCount())

	// No redial happens after Stop.
	select {
	case <-server.conns:
		t.Fatal("client reconnected after Stop")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	server := newSignalServer(t)
	source := &fakeSource{}
	c := New(testConfig(server.url()), source, zerolog.Nop())

	require.NoError(t, c.Start(context.Background()))
	server.accept(t)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, 1, source.releaseCount())

	require.Error(t, c.Start(context.Background()), "a stopped client cannot be restarted")
}

func TestStopFromIdle(t *testing.T) {
	c := New(testConfig("ws://unused"), &fakeSource{}, zerolog.Nop())
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
}
