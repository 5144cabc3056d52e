// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSweeper_SweepOnce_AbortsIdleSessions(t *testing.T) {
	reg := NewRegistry()
	committer := &stubCommitter{}
	sweeper := &Sweeper{
		Registry:  reg,
		Committer: committer,
		Conf:      SweeperConfig{IdleTimeout: 30 * time.Second},
	}

	now := time.Now()

	idle := Open("dev-idle", now.Add(-5*time.Minute))
	idle.Record(70, 1, 1, now.Add(-2*time.Minute))
	require.NoError(t, reg.Register("dev-idle", idle))

	fresh := Open("dev-fresh", now.Add(-5*time.Minute))
	fresh.Record(70, 1, 1, now.Add(-5*time.Second))
	require.NoError(t, reg.Register("dev-fresh", fresh))

	sweeper.SweepOnce(context.Background(), now)

	_, ok := reg.Lookup("dev-idle")
	assert.False(t, ok, "idle session must be removed")
	_, ok = reg.Lookup("dev-fresh")
	assert.True(t, ok, "fresh session must survive")

	sums := committer.committed()
	require.Len(t, sums, 1)
	assert.Equal(t, "dev-idle", sums[0].DeviceID)
	assert.Equal(t, StatusAborted, sums[0].Status)
	assert.Equal(t, 1, sums[0].SampleCount)
}

func TestSweeper_SweepOnce_ExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	committer := &stubCommitter{}
	sweeper := &Sweeper{
		Registry:  reg,
		Committer: committer,
		Conf:      SweeperConfig{IdleTimeout: time.Second},
	}

	now := time.Now()
	s := Open("dev", now.Add(-time.Hour))
	s.Record(70, 1, 1, now.Add(-time.Hour))
	require.NoError(t, reg.Register("dev", s))

	sweeper.SweepOnce(context.Background(), now)
	sweeper.SweepOnce(context.Background(), now)

	assert.Len(t, committer.committed(), 1, "a session is swept exactly once")
}

func TestSweeper_SweepOnce_EmptyIdleSessionDiscarded(t *testing.T) {
	reg := NewRegistry()
	committer := &stubCommitter{}
	sweeper := &Sweeper{
		Registry:  reg,
		Committer: committer,
		Conf:      SweeperConfig{IdleTimeout: time.Second},
	}

	now := time.Now()
	require.NoError(t, reg.Register("dev", Open("dev", now.Add(-time.Hour))))

	sweeper.SweepOnce(context.Background(), now)

	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, committer.committed())
}

func TestSweeper_ZeroTimeoutDisablesSweep(t *testing.T) {
	reg := NewRegistry()
	committer := &stubCommitter{}
	sweeper := &Sweeper{Registry: reg, Committer: committer}

	now := time.Now()
	s := Open("dev", now.Add(-time.Hour))
	s.Record(70, 1, 1, now.Add(-time.Hour))
	require.NoError(t, reg.Register("dev", s))

	sweeper.SweepOnce(context.Background(), now)
	assert.Equal(t, 1, reg.Len())
}

func TestSweeper_FlushAbortsEverything(t *testing.T) {
	reg := NewRegistry()
	committer := &stubCommitter{}
	sweeper := &Sweeper{Registry: reg, Committer: committer}

	now := time.Now()
	a := Open("a", now)
	a.Record(70, 1, 1, now)
	b := Open("b", now)
	b.Record(80, 1, 1, now)
	require.NoError(t, reg.Register("a", a))
	require.NoError(t, reg.Register("b", b))

	sweeper.Flush(context.Background())

	assert.Equal(t, 0, reg.Len())
	sums := committer.committed()
	require.Len(t, sums, 2)
	for _, sum := range sums {
		assert.Equal(t, StatusAborted, sum.Status)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := NewRegistry()
	sweeper := &Sweeper{
		Registry:  reg,
		Committer: &stubCommitter{},
		Conf:      SweeperConfig{Interval: 5 * time.Millisecond, IdleTimeout: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
