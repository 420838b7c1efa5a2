package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeConnect            MessageType = "connect"
	TypeDisconnect         MessageType = "disconnect"
	TypeUpdateInstructions MessageType = "update_instructions"
	TypeClientAudioChunk   MessageType = "client_audio_chunk"
	TypeStatus             MessageType = "status"
	TypeSpeechActivity     MessageType = "speech_activity"
	TypeTurn               MessageType = "turn"
	TypeAudioLevel         MessageType = "audio_level"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Connect opens the upstream realtime session. APIKey may be empty
// when the server carries a default credential.
type Connect struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	APIKey       string      `json:"api_key,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
}

type Disconnect struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type UpdateInstructions struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Instructions string      `json:"instructions"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type Status struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
}

type SpeechActivity struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Active    bool        `json:"active"`
}

type Turn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

type AudioLevel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Level     float64     `json:"level"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates an inbound websocket
// payload. Server-to-client types are rejected.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnect:
		var msg Connect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid connect")
		}
		return msg, nil
	case TypeDisconnect:
		var msg Disconnect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid disconnect")
		}
		return msg, nil
	case TypeUpdateInstructions:
		var msg UpdateInstructions
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid update_instructions")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
