// SPDX-License-Identifier: MIT

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators as they appear on the wire.
const (
	TypeSessionStart = "session_start"
	TypeHeartbeat    = "heartbeat"
	TypeSessionEnd   = "session_end"
	TypeSessionInfo  = "get_session_info"
)

// MaxFrameSize bounds a single telemetry frame. Device frames are tiny;
// anything larger is a framing error.
const MaxFrameSize = 4096

// DecodeError codes.
const (
	CodeUnknownType      = "unknown_type"
	CodeMalformedPayload = "malformed_payload"
)

// DecodeError describes a rejected inbound frame. The frame is skipped and
// acknowledged with an error; the connection stays up.
type DecodeError struct {
	Code  string
	Field string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode: %s (field %q)", e.Code, e.Field)
	}
	return fmt.Sprintf("decode: %s", e.Code)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Event is one decoded telemetry event. ConnectionLost never appears on the
// wire; the transport layer synthesizes it so the session state machine has
// a single uniform transition table.
type Event interface {
	EventType() string
}

// SessionStart opens a monitoring session for a device.
type SessionStart struct {
	DeviceID string
}

// Heartbeat carries one pre-computed sample. IR and AC are raw optical
// channel readings used for signal-quality diagnostics.
type Heartbeat struct {
	BPM int
	IR  int
	AC  int
}

// SessionEnd closes the open session for a device.
type SessionEnd struct {
	DeviceID string
}

// SessionInfo requests a live snapshot of the open session.
type SessionInfo struct {
	DeviceID string
}

// ConnectionLost is synthesized when the transport drops mid-session.
type ConnectionLost struct {
	DeviceID string
}

func (SessionStart) EventType() string   { return TypeSessionStart }
func (Heartbeat) EventType() string      { return TypeHeartbeat }
func (SessionEnd) EventType() string     { return TypeSessionEnd }
func (SessionInfo) EventType() string    { return TypeSessionInfo }
func (ConnectionLost) EventType() string { return "connection_lost" }

// frame is the raw wire shape. Pointers distinguish absent from zero.
type frame struct {
	Type     string  `json:"type"`
	DeviceID *string `json:"device_id"`
	BPM      *int    `json:"bpm"`
	IR       *int    `json:"ir"`
	AC       *int    `json:"ac"`
}

// Decode parses a single frame into a typed event.
func Decode(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &DecodeError{Code: CodeMalformedPayload, Cause: err}
	}

	switch f.Type {
	case TypeSessionStart:
		if f.DeviceID == nil || *f.DeviceID == "" {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "device_id"}
		}
		return SessionStart{DeviceID: *f.DeviceID}, nil

	case TypeHeartbeat:
		if f.BPM == nil {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "bpm"}
		}
		if *f.BPM < 0 {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "bpm"}
		}
		if f.IR == nil {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "ir"}
		}
		if f.AC == nil {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "ac"}
		}
		return Heartbeat{BPM: *f.BPM, IR: *f.IR, AC: *f.AC}, nil

	case TypeSessionEnd:
		if f.DeviceID == nil || *f.DeviceID == "" {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "device_id"}
		}
		return SessionEnd{DeviceID: *f.DeviceID}, nil

	case TypeSessionInfo:
		if f.DeviceID == nil || *f.DeviceID == "" {
			return nil, &DecodeError{Code: CodeMalformedPayload, Field: "device_id"}
		}
		return SessionInfo{DeviceID: *f.DeviceID}, nil

	default:
		return nil, &DecodeError{Code: CodeUnknownType, Field: f.Type}
	}
}

// Ack type discriminators for outbound frames.
const (
	AckSessionStarted = "session_started"
	AckSessionSaved   = "session_saved"
	AckSessionInfo    = "session_info"
	AckError          = "error"
)

// AckSummary is the digest echoed back to the device on session_saved.
type AckSummary struct {
	SampleCount int      `json:"sample_count"`
	AvgBPM      *float64 `json:"avg_bpm"`
	Duration    int64    `json:"duration_seconds"`
}

// Ack is one outbound acknowledgement frame.
type Ack struct {
	Type      string      `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Summary   *AckSummary `json:"summary,omitempty"`
	Info      any         `json:"data,omitempty"`
}

// EncodeAck serializes an acknowledgement frame. The transport appends the
// newline delimiter.
func EncodeAck(a Ack) []byte {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	// Ack contains only marshal-safe fields.
	buf, _ := json.Marshal(a)
	return buf
}

// ErrorAck builds the acknowledgement for a rejected frame.
func ErrorAck(err *DecodeError) Ack {
	return Ack{Type: AckError, Code: err.Code, Detail: err.Error()}
}
