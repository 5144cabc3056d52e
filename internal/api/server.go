// SPDX-License-Identifier: MIT

// Package api serves the operator-facing query surface: committed session
// summaries, aggregate stats, audio recordings, probes and metrics. It never
// touches the ingestion path.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsed/internal/api/middleware"
	"github.com/pulsegrid/pulsed/internal/health"
	"github.com/pulsegrid/pulsed/internal/log"
	"github.com/pulsegrid/pulsed/internal/persist"
	"github.com/pulsegrid/pulsed/internal/session"
)

// Config tunes the query API.
type Config struct {
	RateLimitPerMin int    // per-IP request budget, 0 disables
	TracingService  string // enables request tracing when non-empty
}

// timeNow is stubbed in tests.
var timeNow = time.Now

// Server wires the query API handlers.
type Server struct {
	conf     Config
	store    persist.Store
	vault    *persist.AudioVault
	registry *session.Registry
	healthy  *health.Manager
	logger   zerolog.Logger
}

// New builds the API server. vault may be nil to disable audio endpoints.
func New(conf Config, store persist.Store, vault *persist.AudioVault, reg *session.Registry, healthy *health.Manager) *Server {
	return &Server{
		conf:     conf,
		store:    store,
		vault:    vault,
		registry: reg,
		healthy:  healthy,
		logger:   log.WithComponent("api"),
	}
}

// Routes returns the complete router with the middleware stack applied.
func (s *Server) Routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:   true,
		TracingService:  s.conf.TracingService,
		EnableRateLimit: s.conf.RateLimitPerMin > 0,
		RateLimitPerMin: s.conf.RateLimitPerMin,
	})

	r.Get("/healthz", s.healthy.ServeHealth)
	r.Get("/readyz", s.healthy.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions", s.handleDeleteSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/stats", s.handleStats)
		r.Get("/active", s.handleActive)

		if s.vault != nil {
			r.Post("/sessions/{id}/audio", s.handleUploadAudio)
			r.Get("/sessions/{id}/audio", s.handleDownloadAudio)
		}
	})

	return r
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := persist.SummaryFilter{
		DeviceID: r.URL.Query().Get("device_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	sums, err := s.store.ListSummaries(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions failed")
		writeInternalError(w)
		return
	}
	if sums == nil {
		sums = []*persist.StoredSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sums,
		"count":    len(sums),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sum, err := s.store.GetSummary(r.Context(), id)
	if errors.Is(err, persist.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("get session failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDeleteSessions(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteAll(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("delete sessions failed")
		writeInternalError(w)
		return
	}
	s.logger.Info().Int64("deleted", deleted).Msg("session history cleared")
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("stats query failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleActive reports sessions currently open in memory, before they are
// finalized and committed.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	open := s.registry.Snapshot()
	infos := make([]session.Info, 0, len(open))
	for _, sess := range open {
		infos = append(infos, sess.Snapshot(timeNow()))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": infos,
		"count":  len(infos),
	})
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Only committed sessions may carry a recording.
	if _, err := s.store.GetSummary(r.Context(), id); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			writeNotFound(w)
			return
		}
		s.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("audio upload lookup failed")
		writeInternalError(w)
		return
	}

	defer r.Body.Close()
	path, size, err := s.vault.Put(id, http.MaxBytesReader(w, r.Body, persist.MaxAudioSize))
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("audio upload rejected")
		writeBadRequest(w, "audio upload failed")
		return
	}

	if err := s.store.AttachAudio(r.Context(), id, path, size); err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("audio attach failed")
		writeInternalError(w)
		return
	}

	s.logger.Info().Str(log.FieldSessionID, id).Int64("bytes", size).Msg("audio recording stored")
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id, "size": size})
}

func (s *Server) handleDownloadAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	path, size, err := s.store.AudioRef(r.Context(), id)
	if errors.Is(err, persist.ErrNotFound) || (err == nil && path == "") {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("audio ref lookup failed")
		writeInternalError(w)
		return
	}

	f, err := s.vault.Open(id)
	if errors.Is(err, persist.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("audio open failed")
		writeInternalError(w)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	_, _ = io.Copy(w, f)
}
