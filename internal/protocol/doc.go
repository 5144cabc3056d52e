// SPDX-License-Identifier: MIT

// Package protocol implements the device telemetry wire format: one JSON
// object per newline-delimited frame, decoded into typed events. Decoding is
// a pure transform; range validation beyond basic shape checks is the
// aggregator's concern.
package protocol
