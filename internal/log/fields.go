// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldDeviceID  = "device_id"
	FieldRequestID = "request_id"
	FieldRemote    = "remote"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Telemetry fields
	FieldBPM         = "bpm"
	FieldSampleCount = "sample_count"
)
