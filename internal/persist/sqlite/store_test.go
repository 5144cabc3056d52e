// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsed/internal/persist"
	"github.com/pulsegrid/pulsed/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "pulsed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSummary(id, device string) session.Summary {
	avg := 75.0
	minBPM, maxBPM := 70, 80
	avgIR := 51000.0
	quality := 100.0
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return session.Summary{
		SessionID:       id,
		DeviceID:        device,
		StartedAt:       started,
		EndedAt:         started.Add(30 * time.Second),
		DurationSeconds: 30,
		SampleCount:     2,
		AvgBPM:          &avg,
		MinBPM:          &minBPM,
		MaxBPM:          &maxBPM,
		AvgIR:           &avgIR,
		SignalQuality:   &quality,
		Waveform: []session.WaveformPoint{
			{BeatNumber: 10, BPM: 72, IR: 51000, AC: 4, At: started.Add(10 * time.Second)},
		},
		Status: session.StatusClosed,
	}
}

func TestStore_SaveAndGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	want := sampleSummary("sess-1", "ESP32_001")
	require.NoError(t, st.SaveSummary(ctx, want))

	got, err := st.GetSummary(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, got.HasAudio)
	if diff := cmp.Diff(want, got.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SaveIsIdempotentUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sum := sampleSummary("sess-1", "dev")
	require.NoError(t, st.SaveSummary(ctx, sum))
	// Replay after a transient failure must not create a duplicate.
	require.NoError(t, st.SaveSummary(ctx, sum))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalSessions)
}

func TestStore_NullStatisticsSurviveRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	empty := session.Summary{
		SessionID:   "sess-empty",
		DeviceID:    "dev",
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
		EndedAt:     time.Now().UTC().Truncate(time.Millisecond),
		SampleCount: 0,
		Status:      session.StatusClosed,
	}
	require.NoError(t, st.SaveSummary(ctx, empty))

	got, err := st.GetSummary(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, got.SampleCount)
	assert.Nil(t, got.AvgBPM, "null stats must stay null, not become zero")
	assert.Nil(t, got.MinBPM)
	assert.Nil(t, got.MaxBPM)
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSummary(context.Background(), "nope")
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	older := sampleSummary("sess-old", "dev-a")
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	newer := sampleSummary("sess-new", "dev-a")
	other := sampleSummary("sess-other", "dev-b")
	require.NoError(t, st.SaveSummary(ctx, older))
	require.NoError(t, st.SaveSummary(ctx, newer))
	require.NoError(t, st.SaveSummary(ctx, other))

	all, err := st.ListSummaries(ctx, persist.SummaryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	filtered, err := st.ListSummaries(ctx, persist.SummaryFilter{DeviceID: "dev-a"})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, "sess-new", filtered[0].SessionID, "newest first")
	assert.Equal(t, "sess-old", filtered[1].SessionID)

	limited, err := st.ListSummaries(ctx, persist.SummaryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Stats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := sampleSummary("a", "dev")
	avgA := 60.0
	a.AvgBPM = &avgA
	b := sampleSummary("b", "dev")
	avgB := 80.0
	b.AvgBPM = &avgB
	require.NoError(t, st.SaveSummary(ctx, a))
	require.NoError(t, st.SaveSummary(ctx, b))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, int64(4), stats.TotalSamples)
	require.NotNil(t, stats.AvgBPMOverall)
	assert.InDelta(t, 70.0, *stats.AvgBPMOverall, 1e-9)
}

func TestStore_AttachAudioRequiresSessionRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.AttachAudio(ctx, "missing", "/tmp/a.wav", 100)
	assert.ErrorIs(t, err, persist.ErrNotFound)

	require.NoError(t, st.SaveSummary(ctx, sampleSummary("sess-1", "dev")))
	require.NoError(t, st.AttachAudio(ctx, "sess-1", "/tmp/a.wav", 100))

	path, size, err := st.AudioRef(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.wav", path)
	assert.Equal(t, int64(100), size)

	got, err := st.GetSummary(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.HasAudio)
	assert.Equal(t, int64(100), got.AudioSize)
}

func TestStore_AudioRefWithoutAudio(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSummary(ctx, sampleSummary("sess-1", "dev")))

	_, _, err := st.AudioRef(ctx, "sess-1")
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestStore_DeleteAll(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSummary(ctx, sampleSummary("a", "dev")))
	require.NoError(t, st.SaveSummary(ctx, sampleSummary("b", "dev")))

	n, err := st.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalSessions)
}
