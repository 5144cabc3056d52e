// SPDX-License-Identifier: MIT

// Package persist is the persistence gateway: durable storage of finalized
// session summaries with retry, backoff and a pending-write queue so no
// collected aggregates are ever discarded.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsegrid/pulsed/internal/session"
)

// ErrNotFound is returned when no summary exists for a session id.
var ErrNotFound = errors.New("session not found")

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// SummaryFilter narrows a summary listing.
type SummaryFilter struct {
	DeviceID string
	Limit    int
}

// StoredSummary is a persisted summary plus storage-side audio metadata.
type StoredSummary struct {
	session.Summary
	HasAudio  bool  `json:"has_audio"`
	AudioSize int64 `json:"audio_size,omitempty"`
}

// Stats aggregates over all committed summaries.
type Stats struct {
	TotalSessions int      `json:"total_sessions"`
	TotalSamples  int64    `json:"total_samples_recorded"`
	AvgBPMOverall *float64 `json:"average_bpm_overall"`
}

// Store is the CRUD surface of the relational backing store. SaveSummary is
// an idempotent upsert keyed by session_id: retries after a transient
// failure must not create duplicates.
type Store interface {
	SaveSummary(ctx context.Context, sum session.Summary) error
	GetSummary(ctx context.Context, sessionID string) (*StoredSummary, error)
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]*StoredSummary, error)
	Stats(ctx context.Context) (Stats, error)
	AttachAudio(ctx context.Context, sessionID, path string, size int64) error
	AudioRef(ctx context.Context, sessionID string) (string, int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
