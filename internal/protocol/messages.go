package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies room data and status-stream payload variants.
type MessageType string

const (
	// TypeEndCall is published on the room data channel when the caller
	// hangs up on purpose.
	TypeEndCall MessageType = "END_CALL"

	TypeClientControl MessageType = "client_control"
	TypeSessionStatus MessageType = "session_status"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

const (
	ActionEnd  = "end"
	ActionPing = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// DataMessage is a payload exchanged with the avatar over the room data
// channel.
type DataMessage struct {
	Type MessageType `json:"type"`
}

// EndCallPayload is the encoded END_CALL data message.
func EndCallPayload() []byte {
	raw, _ := json.Marshal(DataMessage{Type: TypeEndCall})
	return raw
}

func ParseDataMessage(raw []byte) (DataMessage, error) {
	var msg DataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return DataMessage{}, fmt.Errorf("invalid data message: %w", err)
	}
	if msg.Type != TypeEndCall {
		return DataMessage{}, ErrUnsupportedType
	}
	return msg, nil
}

// ClientControl is sent by a status-stream subscriber.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// SessionStatus reports one observed remote session status.
type SessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Failure   string      `json:"failure,omitempty"`
	Polls     int         `json:"polls"`
	TSMs      int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if msg.Action != ActionEnd && msg.Action != ActionPing {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
