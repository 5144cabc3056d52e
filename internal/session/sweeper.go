// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"time"

	"github.com/pulsegrid/pulsed/internal/log"
	"github.com/pulsegrid/pulsed/internal/metrics"
)

// SweeperConfig defines the idle-session policy.
type SweeperConfig struct {
	Interval    time.Duration // sweep period; <= 0 disables the loop
	IdleTimeout time.Duration // abort sessions idle longer than this
}

// Sweeper aborts sessions whose last sample is older than the idle timeout.
// It handles silently-dead connections that never signal loss at the
// transport layer. Exactly-once finalization against a racing SessionEnd or
// ConnectionLost is guaranteed by the registry compare-and-remove.
type Sweeper struct {
	Registry  *Registry
	Committer Committer
	Conf      SweeperConfig
}

// Run starts the sweep loop and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Conf.Interval <= 0 {
		return
	}

	logger := log.WithComponent("sweeper")
	ticker := time.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	logger.Info().
		Dur("interval", s.Conf.Interval).
		Dur("idle_timeout", s.Conf.IdleTimeout).
		Msg("idle sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce performs exactly one sweep pass. Deterministic and suitable for
// unit testing.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	if s.Conf.IdleTimeout <= 0 {
		return
	}
	logger := log.WithComponent("sweeper")

	swept := 0
	for _, sess := range s.Registry.Snapshot() {
		if now.Sub(sess.LastSeen()) <= s.Conf.IdleTimeout {
			continue
		}
		if !s.Registry.Remove(sess.DeviceID(), sess.ID()) {
			// The owning connection finalized it first.
			continue
		}
		metrics.ActiveSessions.Dec()
		swept++

		sum, has := sess.Abort(now)
		if !has {
			logger.Info().
				Str(log.FieldSessionID, sess.ID()).
				Str(log.FieldDeviceID, sess.DeviceID()).
				Msg("idle empty session discarded")
			continue
		}
		metrics.SessionsFinalizedTotal.WithLabelValues(string(StatusAborted), CauseIdleTimeout).Inc()
		logger.Info().
			Str(log.FieldSessionID, sum.SessionID).
			Str(log.FieldDeviceID, sum.DeviceID).
			Int(log.FieldSampleCount, sum.SampleCount).
			Msg("idle session aborted")
		if err := s.Committer.Commit(ctx, sum); err != nil {
			logger.Error().Err(err).Str(log.FieldSessionID, sum.SessionID).Msg("idle abort commit failed")
		}
	}

	if swept > 0 {
		logger.Info().Int("count", swept).Msg("sweep pass finalized idle sessions")
	}
}

// Flush aborts and commits every session still open. Called at process
// shutdown so nothing collected is dropped silently.
func (s *Sweeper) Flush(ctx context.Context) {
	logger := log.WithComponent("sweeper")
	now := time.Now()

	for _, sess := range s.Registry.Snapshot() {
		if !s.Registry.Remove(sess.DeviceID(), sess.ID()) {
			continue
		}
		metrics.ActiveSessions.Dec()

		sum, has := sess.Abort(now)
		if !has {
			continue
		}
		metrics.SessionsFinalizedTotal.WithLabelValues(string(StatusAborted), CauseShutdown).Inc()
		logger.Info().
			Str(log.FieldSessionID, sum.SessionID).
			Str(log.FieldDeviceID, sum.DeviceID).
			Msg("flushing open session at shutdown")
		if err := s.Committer.Commit(ctx, sum); err != nil {
			logger.Error().Err(err).Str(log.FieldSessionID, sum.SessionID).Msg("shutdown flush commit failed")
		}
	}
}
