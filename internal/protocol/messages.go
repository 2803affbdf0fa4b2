// Package protocol defines the /v1/events websocket messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSubscribe     MessageType = "subscribe"
	TypePing          MessageType = "ping"
	TypeJobEvent      MessageType = "job_event"
	TypeModelProgress MessageType = "model_progress"
	TypeModelState    MessageType = "model_state"
	TypePong          MessageType = "pong"
	TypeErrorEvent    MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Subscribe narrows the stream. Empty fields match everything; model
// events are delivered unless Capabilities excludes "model".
type Subscribe struct {
	Type         MessageType `json:"type"`
	Capabilities []string    `json:"capabilities,omitempty"`
	JobID        string      `json:"job_id,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

type JobEvent struct {
	Type       MessageType `json:"type"`
	JobID      string      `json:"job_id"`
	Capability string      `json:"capability"`
	Status     string      `json:"status"`
	Depth      int         `json:"depth,omitempty"`
	ElapsedMS  int64       `json:"elapsed_ms,omitempty"`
	Error      string      `json:"error,omitempty"`
	TSMs       int64       `json:"ts_ms"`
}

type ModelProgress struct {
	Type       MessageType `json:"type"`
	Model      string      `json:"model"`
	Downloaded int64       `json:"downloaded"`
	Total      int64       `json:"total,omitempty"`
	Percent    int         `json:"percent"`
	TSMs       int64       `json:"ts_ms"`
}

type ModelState struct {
	Type  MessageType `json:"type"`
	Model string      `json:"model"`
	State string      `json:"state"`
	TSMs  int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

// ParseClientMessage decodes one inbound text frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeSubscribe:
		var msg Subscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode subscribe: %w", err)
		}
		for i, c := range msg.Capabilities {
			msg.Capabilities[i] = strings.ToLower(strings.TrimSpace(c))
		}
		msg.JobID = strings.TrimSpace(msg.JobID)
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode ping: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}

// TypeOf reports the MessageType of a known message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Subscribe:
		return m.Type, true
	case Ping:
		return m.Type, true
	case Pong:
		return m.Type, true
	case JobEvent:
		return m.Type, true
	case ModelProgress:
		return m.Type, true
	case ModelState:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
