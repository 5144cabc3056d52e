// SPDX-License-Identifier: MIT

package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsed/internal/session"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func pendingSummary(id string) session.Summary {
	avg := 72.0
	return session.Summary{
		SessionID:   id,
		DeviceID:    "dev",
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
		EndedAt:     time.Now().UTC().Truncate(time.Millisecond),
		SampleCount: 3,
		AvgBPM:      &avg,
		Status:      session.StatusAborted,
	}
}

func TestQueue_EnqueueScanRemove(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(pendingSummary("a")))
	require.NoError(t, q.Enqueue(pendingSummary("b")))

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	seen := map[string]session.Summary{}
	require.NoError(t, q.Scan(func(sum session.Summary) error {
		seen[sum.SessionID] = sum
		return nil
	}))
	require.Len(t, seen, 2)
	assert.Equal(t, 3, seen["a"].SampleCount)
	require.NotNil(t, seen["a"].AvgBPM)
	assert.InDelta(t, 72.0, *seen["a"].AvgBPM, 1e-9)

	require.NoError(t, q.Remove("a"))
	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueue_EnqueueSameSessionOverwrites(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(pendingSummary("a")))
	require.NoError(t, q.Enqueue(pendingSummary("a")))

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "same session id keys one entry")
}

func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(pendingSummary("a")))
	require.NoError(t, q.Close())

	q2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = q2.Close() }()

	depth, err := q2.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "parked summary must survive restart")
}
