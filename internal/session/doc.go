// SPDX-License-Identifier: MIT

// Package session implements the session lifecycle engine: per-session
// running aggregates, the process-wide registry of open sessions, the
// per-connection state machine, and the idle sweeper.
package session
