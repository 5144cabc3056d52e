// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsed/internal/log"
	"github.com/pulsegrid/pulsed/internal/metrics"
	"github.com/pulsegrid/pulsed/internal/persist/pending"
	"github.com/pulsegrid/pulsed/internal/session"
)

// GatewayConfig tunes the commit policy.
type GatewayConfig struct {
	Retries    int           // additional attempts after the first failure
	Backoff    time.Duration // initial retry delay, doubled per attempt
	MaxBackoff time.Duration // delay ceiling
}

// DefaultGatewayConfig returns the standard commit policy.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Retries:    3,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	}
}

// Gateway commits finalized summaries: bounded retry with exponential
// backoff, then durable parking in the pending queue. Commit returns an
// error only when the summary could not even be parked; collected
// aggregates are never silently discarded.
type Gateway struct {
	store  Store
	queue  *pending.Queue // nil disables parking
	conf   GatewayConfig
	logger zerolog.Logger
}

// NewGateway builds a gateway over store. queue may be nil.
func NewGateway(store Store, queue *pending.Queue, conf GatewayConfig) *Gateway {
	if conf.Backoff <= 0 {
		conf.Backoff = DefaultGatewayConfig().Backoff
	}
	if conf.MaxBackoff < conf.Backoff {
		conf.MaxBackoff = conf.Backoff
	}
	return &Gateway{
		store:  store,
		queue:  queue,
		conf:   conf,
		logger: log.WithComponent("persist"),
	}
}

// Commit implements session.Committer.
func (g *Gateway) Commit(ctx context.Context, sum session.Summary) error {
	var err error
	delay := g.conf.Backoff

	for attempt := 0; attempt <= g.conf.Retries; attempt++ {
		if attempt > 0 {
			metrics.CommitRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return g.park(sum, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > g.conf.MaxBackoff {
				delay = g.conf.MaxBackoff
			}
		}

		err = g.store.SaveSummary(ctx, sum)
		if err == nil {
			g.syncPendingGauge()
			return nil
		}
		g.logger.Warn().
			Err(err).
			Str(log.FieldSessionID, sum.SessionID).
			Int("attempt", attempt+1).
			Msg("summary commit failed")
	}

	return g.park(sum, err)
}

// park defers the summary to the durable pending queue.
func (g *Gateway) park(sum session.Summary, cause error) error {
	if g.queue == nil {
		return fmt.Errorf("commit %s failed with no pending queue: %w", sum.SessionID, cause)
	}
	if err := g.queue.Enqueue(sum); err != nil {
		return fmt.Errorf("commit %s failed and could not be parked: %w", sum.SessionID, err)
	}
	metrics.CommitsDeferredTotal.Inc()
	g.syncPendingGauge()
	g.logger.Warn().
		Err(cause).
		Str(log.FieldSessionID, sum.SessionID).
		Msg("summary parked in pending-write queue")
	return nil
}

// ReplayOnce pushes parked summaries back into the store. Entries that fail
// again stay parked for the next pass.
func (g *Gateway) ReplayOnce(ctx context.Context) {
	if g.queue == nil {
		return
	}

	replayed := 0
	err := g.queue.Scan(func(sum session.Summary) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.store.SaveSummary(ctx, sum); err != nil {
			g.logger.Debug().
				Err(err).
				Str(log.FieldSessionID, sum.SessionID).
				Msg("pending replay still failing")
			return nil
		}
		if err := g.queue.Remove(sum.SessionID); err != nil {
			g.logger.Warn().Err(err).Str(log.FieldSessionID, sum.SessionID).Msg("pending remove failed")
			return nil
		}
		replayed++
		return nil
	})
	if err != nil && ctx.Err() == nil {
		g.logger.Warn().Err(err).Msg("pending replay scan failed")
	}
	if replayed > 0 {
		g.logger.Info().Int("count", replayed).Msg("replayed pending summaries")
	}
	g.syncPendingGauge()
}

// ReplayLoop runs ReplayOnce on a ticker until ctx is cancelled.
func (g *Gateway) ReplayLoop(ctx context.Context, interval time.Duration) {
	if g.queue == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ReplayOnce(ctx)
		}
	}
}

// PendingDepth reports the number of parked summaries.
func (g *Gateway) PendingDepth() int {
	if g.queue == nil {
		return 0
	}
	depth, err := g.queue.Depth()
	if err != nil {
		return 0
	}
	return depth
}

func (g *Gateway) syncPendingGauge() {
	metrics.PendingWrites.Set(float64(g.PendingDepth()))
}
