// SPDX-License-Identifier: MIT

// Package daemon wires the subsystems together and owns the process
// lifecycle: ingest listener, query API, idle sweeper, pending replay and
// the ordered shutdown that flushes every open session before storage
// closes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pulsegrid/pulsed/internal/api"
	"github.com/pulsegrid/pulsed/internal/config"
	"github.com/pulsegrid/pulsed/internal/health"
	"github.com/pulsegrid/pulsed/internal/ingest"
	"github.com/pulsegrid/pulsed/internal/live"
	"github.com/pulsegrid/pulsed/internal/log"
	"github.com/pulsegrid/pulsed/internal/persist"
	"github.com/pulsegrid/pulsed/internal/persist/pending"
	"github.com/pulsegrid/pulsed/internal/persist/sqlite"
	"github.com/pulsegrid/pulsed/internal/session"
	"github.com/pulsegrid/pulsed/internal/telemetry"
)

// App owns every long-lived subsystem of the daemon.
type App struct {
	cfg    config.AppConfig
	holder *config.Holder
	logger zerolog.Logger

	store     *sqlite.Store
	queue     *pending.Queue
	vault     *persist.AudioVault
	gateway   *persist.Gateway
	registry  *session.Registry
	sweeper   *session.Sweeper
	publisher *live.RedisPublisher
	ingest    *ingest.Server
	apiServer *api.Server
	tracer    *telemetry.Provider
}

// New builds the daemon from resolved configuration. holder may be nil to
// disable hot reload.
func New(ctx context.Context, cfg config.AppConfig, holder *config.Holder) (*App, error) {
	a := &App{
		cfg:    cfg,
		holder: holder,
		logger: log.WithComponent("daemon"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "pulsed",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampling,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.tracer = tracer

	store, err := sqlite.NewStore(cfg.DBPath)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	queue, err := pending.Open(cfg.PendingDir)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("open pending queue: %w", err)
	}
	a.queue = queue

	vault, err := persist.NewAudioVault(cfg.AudioDir)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("open audio vault: %w", err)
	}
	a.vault = vault

	a.gateway = persist.NewGateway(store, queue, persist.GatewayConfig{
		Retries:    cfg.CommitRetries,
		Backoff:    cfg.CommitBackoff,
		MaxBackoff: 5 * time.Second,
	})

	a.registry = session.NewRegistry()
	a.sweeper = &session.Sweeper{
		Registry:  a.registry,
		Committer: a.gateway,
		Conf: session.SweeperConfig{
			Interval:    cfg.SweepInterval,
			IdleTimeout: cfg.IdleTimeout,
		},
	}

	var publisher session.Publisher
	if cfg.RedisAddr != "" {
		rp, err := live.NewRedisPublisher(live.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("connect live fan-out: %w", err)
		}
		a.publisher = rp
		publisher = rp
	}

	a.ingest = ingest.New(ingest.Config{
		Addr:         cfg.IngestAddr,
		FramesPerSec: cfg.FramesPerSec,
		FrameBurst:   cfg.FrameBurst,
		WriteTimeout: 5 * time.Second,
		DrainTimeout: 10 * time.Second,
		MaxConns:     cfg.MaxConns,
	}, a.registry, a.gateway, publisher)

	healthy := health.NewManager(cfg.Version)
	healthy.RegisterChecker(health.NewStoreChecker("store", store))
	healthy.RegisterChecker(health.NewPendingChecker(a.gateway.PendingDepth, 10))
	if a.publisher != nil {
		healthy.RegisterChecker(health.NewFuncChecker("live", a.publisher.HealthCheck))
	}

	var tracingService string
	if cfg.TracingEnabled {
		tracingService = "pulsed"
	}
	a.apiServer = api.New(api.Config{
		RateLimitPerMin: cfg.APIRateLimit,
		TracingService:  tracingService,
	}, store, vault, a.registry, healthy)

	return a, nil
}

// Run starts all subsystems and blocks until ctx is cancelled or one of
// them fails. Shutdown order matters: listeners stop first so in-flight
// sessions finalize through the gateway, then remaining open sessions are
// flushed, then stores close.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best effort.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to start config watcher")
		}

		// SIGHUP triggers a manual reload.
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, syscall.SIGHUP)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().Msg("received SIGHUP, reloading config")
					if err := a.holder.Reload(context.Background()); err != nil {
						a.logger.Warn().Err(err).Msg("config reload failed")
					}
				}
			}
		})
	}

	// Device-facing listener. Serve drains its connections before
	// returning, which runs every ConnectionLost cleanup.
	g.Go(func() error {
		return a.ingest.Serve(ctx)
	})

	// Operator-facing query API.
	httpSrv := &http.Server{
		Addr:              a.cfg.APIAddr,
		Handler:           a.apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.APIAddr).Msg("query API started")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	// Idle sweeper and pending replay.
	g.Go(func() error {
		a.sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.gateway.ReplayLoop(ctx, a.cfg.ReplayInterval)
		return nil
	})

	err := g.Wait()

	// Listeners are down and connection workers drained. Whatever is still
	// registered belongs to connections that never finalized; flush it.
	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.sweeper.Flush(flushCtx)
	a.gateway.ReplayOnce(flushCtx)

	a.close()
	a.logger.Info().Msg("daemon stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// closePartial releases resources during a failed New.
func (a *App) closePartial() {
	a.close()
}

func (a *App) close() {
	if a.holder != nil {
		a.holder.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close live publisher")
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close pending queue")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close store")
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown tracer")
		}
	}
}
