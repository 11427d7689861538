package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies live socket payload variants.
type MessageType string

const (
	TypeTextIn        MessageType = "textin"
	TypeTextOut       MessageType = "textout"
	TypeAudioIn       MessageType = "audioin"
	TypeAudioOut      MessageType = "audioout"
	TypeAvatarTalking MessageType = "avatarTalking"
	TypeError         MessageType = "error"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TextIn is operator text for the avatar to answer.
type TextIn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ID        string      `json:"id"`
	Text      string      `json:"text"`
}

// TextOut is the avatar's reply. Final marks the last chunk of a turn.
type TextOut struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Final     bool        `json:"final"`
}

type AudioIn struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ID          string      `json:"id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

type AudioOut struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ID          string      `json:"id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

// AvatarTalking reports when the avatar starts or stops speaking.
type AvatarTalking struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Talking   bool        `json:"talking"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (e ErrorEvent) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Heartbeat is a ping or pong frame.
type Heartbeat struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

func NewPing(tsMs int64) Heartbeat { return Heartbeat{Type: TypePing, TSMs: tsMs} }
func NewPong(tsMs int64) Heartbeat { return Heartbeat{Type: TypePong, TSMs: tsMs} }

// ParseClientMessage decodes a frame sent by an operator toward the avatar.
func ParseClientMessage(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeTextIn:
		var msg TextIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid textin: empty text")
		}
		return msg, nil
	case TypeAudioIn:
		var msg AudioIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audioin")
		}
		return msg, nil
	case TypePing, TypePong:
		return parseHeartbeat(raw)
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a frame received from the live session.
func ParseServerMessage(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeTextOut:
		var msg TextOut
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioOut:
		var msg AudioOut
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("invalid audioout: empty audio")
		}
		return msg, nil
	case TypeAvatarTalking:
		var msg AvatarTalking
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing, TypePong:
		return parseHeartbeat(raw)
	default:
		return nil, ErrUnsupportedType
	}
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

func parseHeartbeat(raw []byte) (Heartbeat, error) {
	var msg Heartbeat
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Heartbeat{}, err
	}
	return msg, nil
}
