package stream

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeJoinRoom     MessageType = "join-room"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeDetection    MessageType = "detection"
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
)

// SignalMessage is the JSON envelope exchanged with the signaling relay.
// Candidate and Detections are opaque to this client and relayed untouched.
type SignalMessage struct {
	Type       MessageType     `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Detections json.RawMessage `json:"detections,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

// DetectionMessage carries one inbound AI detection result.
type DetectionMessage struct {
	Detections json.RawMessage
	ReceivedAt time.Time
}

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateStreaming  State = "streaming"
	StateStopped    State = "stopped"
)

// StateEvent reports a connection-state transition. Err is set on terminal
// failures such as exhausted reconnect attempts.
type StateEvent struct {
	State State
	Err   error
}
