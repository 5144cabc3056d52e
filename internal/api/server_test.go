// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsed/internal/health"
	"github.com/pulsegrid/pulsed/internal/persist"
	"github.com/pulsegrid/pulsed/internal/persist/sqlite"
	"github.com/pulsegrid/pulsed/internal/session"
)

func newTestServer(t *testing.T) (*Server, *sqlite.Store, *session.Registry) {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "pulsed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vault, err := persist.NewAudioVault(t.TempDir())
	require.NoError(t, err)

	reg := session.NewRegistry()

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewStoreChecker("store", store))

	srv := New(Config{}, store, vault, reg, hm)
	return srv, store, reg
}

func seedSummary(t *testing.T, store *sqlite.Store, id, deviceID string, startedAt time.Time) session.Summary {
	t.Helper()
	avg := 75.0
	minBPM, maxBPM := 70, 80
	sum := session.Summary{
		SessionID:       id,
		DeviceID:        deviceID,
		StartedAt:       startedAt,
		EndedAt:         startedAt.Add(time.Minute),
		DurationSeconds: 60,
		SampleCount:     2,
		AvgBPM:          &avg,
		MinBPM:          &minBPM,
		MaxBPM:          &maxBPM,
		Status:          session.StatusClosed,
	}
	require.NoError(t, store.SaveSummary(context.Background(), sum))
	return sum
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestListSessions(t *testing.T) {
	srv, store, _ := newTestServer(t)
	base := time.Now().Add(-time.Hour)
	seedSummary(t, store, "s1", "wrist-007", base)
	seedSummary(t, store, "s2", "wrist-007", base.Add(time.Minute))
	seedSummary(t, store, "s3", "ankle-001", base.Add(2*time.Minute))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sessions []persist.StoredSummary `json:"sessions"`
		Count    int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	// Newest first.
	assert.Equal(t, "s3", resp.Sessions[0].SessionID)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/sessions?device_id=wrist-007&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "s2", resp.Sessions[0].SessionID)
}

func TestListSessionsBadLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/sessions?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	srv, store, _ := newTestServer(t)
	want := seedSummary(t, store, "s1", "wrist-007", time.Now().Add(-time.Hour))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got persist.StoredSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.DeviceID, got.DeviceID)
	require.NotNil(t, got.AvgBPM)
	assert.InDelta(t, 75.0, *got.AvgBPM, 0.001)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSessions(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedSummary(t, store, "s1", "wrist-007", time.Now().Add(-time.Hour))
	seedSummary(t, store, "s2", "wrist-007", time.Now().Add(-time.Minute))

	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp["deleted"])

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedSummary(t, store, "s1", "wrist-007", time.Now().Add(-time.Hour))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats persist.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, int64(2), stats.TotalSamples)
}

func TestActiveSessions(t *testing.T) {
	srv, _, reg := newTestServer(t)

	sess := session.Open("wrist-007", time.Now())
	sess.Record(72, 61000, 300, time.Now())
	require.NoError(t, reg.Register("wrist-007", sess))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Active []session.Info `json:"active"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, sess.ID(), resp.Active[0].SessionID)
	assert.Equal(t, 1, resp.Active[0].SampleCount)
}

func TestAudioUploadAndDownload(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedSummary(t, store, "s1", "wrist-007", time.Now().Add(-time.Hour))

	blob := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/s1/audio", blob)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Summary now reports the attachment.
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got persist.StoredSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.HasAudio)
	assert.Equal(t, int64(len(blob)), got.AudioSize)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/sessions/s1/audio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, blob, rec.Body.Bytes())
	assert.Equal(t, fmt.Sprint(len(blob)), rec.Header().Get("Content-Length"))
}

func TestAudioUploadUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/nope/audio", []byte("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudioDownloadMissing(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedSummary(t, store, "s1", "wrist-007", time.Now().Add(-time.Hour))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/s1/audio", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulsed_")
}

func TestRequestIDEchoed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}
