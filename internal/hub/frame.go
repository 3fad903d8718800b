package hub

import (
	"encoding/json"
	"errors"
)

// Frame is the JSON object exchanged over every socket in both
// directions. Inbound frames address a room through RoomID.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Error     *FrameError     `json:"error,omitempty"`
}

type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reserved inbound types handled by the hub itself.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypeTyping    = "typing"

	TypeJoined            = "joined"
	TypeLeft              = "left"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeConnected         = "connected"
	TypeError             = "error"
)

const (
	CodeInvalidMessage = "invalid_message"
	CodeServerError    = "server_error"
)

var (
	ErrClientClosed    = errors.New("client closed")
	ErrClientQueueFull = errors.New("client send queue is full")
)

// DataOf marshals v for Frame.Data. Marshal failures yield empty data.
func DataOf(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
