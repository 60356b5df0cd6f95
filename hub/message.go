package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates an Envelope's payload shape and handling.
type MessageType string

const (
	// Client → hub messages.
	MessageTypeJoinRoom  MessageType = "join_room"
	MessageTypeLeaveRoom MessageType = "leave_room"
	MessageTypeAction    MessageType = "action"
	MessageTypeChat      MessageType = "chat"
	MessageTypePong      MessageType = "pong"

	// Hub → client messages.
	MessageTypeWelcome     MessageType = "welcome"
	MessageTypeRoomJoined  MessageType = "room_joined"
	MessageTypeRoomLeft    MessageType = "room_left"
	MessageTypePlayerJoined MessageType = "player_joined"
	MessageTypePlayerLeft  MessageType = "player_left"
	MessageTypeEvent       MessageType = "event"
	MessageTypeErrorMsg    MessageType = "error"
	MessageTypePing        MessageType = "ping"
)

// Envelope is the wire format for every message the hub reads or writes over
// a connection.
type Envelope struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	PrincipalID string          `json:"principal_id,omitempty"`
	RoomID      string          `json:"room_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an Envelope of the given type with a fresh id.
func NewEnvelope(msgType MessageType) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now(),
	}
}

// JSON serializes the Envelope to bytes.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope deserializes a client frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// SetPayload marshals v into the Envelope's payload field.
func (e *Envelope) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = data
	return nil
}

// JoinRoomPayload is the payload of a join_room message.
type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
}

// LeaveRoomPayload is the payload of a leave_room message.
type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

// ChatPayload is the payload of a chat message.
type ChatPayload struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// ActionPayload is the payload of a gameplay action message.
type ActionPayload struct {
	RoomID string          `json:"room_id"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// PlayerPresencePayload is the payload of a player_joined/player_left
// broadcast.
type PlayerPresencePayload struct {
	RoomID      string `json:"room_id"`
	PrincipalID string `json:"principal_id"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Reason string `json:"reason"`
}
