// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulsegrid/pulsed/internal/persist"
	"github.com/pulsegrid/pulsed/internal/session"
)

const schemaVersion = 1

// Store implements persist.Store on SQLite.
type Store struct {
	DB *sql.DB
}

// NewStore opens the database at dbPath and applies migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := Open(dbPath, DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("summary store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		sample_count INTEGER NOT NULL,
		avg_bpm REAL,
		min_bpm INTEGER,
		max_bpm INTEGER,
		avg_ir REAL,
		signal_quality REAL,
		waveform_json TEXT,
		audio_path TEXT,
		audio_size INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_ms);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSummary upserts a finalized summary keyed by session_id. Replaying the
// same summary after a transient failure overwrites the identical row
// instead of creating a duplicate.
func (s *Store) SaveSummary(ctx context.Context, sum session.Summary) error {
	var waveformJSON sql.NullString
	if len(sum.Waveform) > 0 {
		buf, err := json.Marshal(sum.Waveform)
		if err != nil {
			return &persist.StorageError{Op: "marshal waveform", Cause: err}
		}
		waveformJSON = sql.NullString{String: string(buf), Valid: true}
	}

	query := `
	INSERT INTO sessions (
		session_id, device_id, status, started_at_ms, ended_at_ms,
		duration_seconds, sample_count, avg_bpm, min_bpm, max_bpm,
		avg_ir, signal_quality, waveform_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		device_id = excluded.device_id,
		status = excluded.status,
		started_at_ms = excluded.started_at_ms,
		ended_at_ms = excluded.ended_at_ms,
		duration_seconds = excluded.duration_seconds,
		sample_count = excluded.sample_count,
		avg_bpm = excluded.avg_bpm,
		min_bpm = excluded.min_bpm,
		max_bpm = excluded.max_bpm,
		avg_ir = excluded.avg_ir,
		signal_quality = excluded.signal_quality,
		waveform_json = excluded.waveform_json
	`

	_, err := s.DB.ExecContext(ctx, query,
		sum.SessionID,
		sum.DeviceID,
		string(sum.Status),
		sum.StartedAt.UnixMilli(),
		sum.EndedAt.UnixMilli(),
		sum.DurationSeconds,
		sum.SampleCount,
		nullFloat(sum.AvgBPM),
		nullInt(sum.MinBPM),
		nullInt(sum.MaxBPM),
		nullFloat(sum.AvgIR),
		nullFloat(sum.SignalQuality),
		waveformJSON,
	)
	if err != nil {
		return &persist.StorageError{Op: "save summary", Cause: err}
	}
	return nil
}

const summaryColumns = `
	session_id, device_id, status, started_at_ms, ended_at_ms,
	duration_seconds, sample_count, avg_bpm, min_bpm, max_bpm,
	avg_ir, signal_quality, waveform_json, audio_path, audio_size
`

// GetSummary fetches one summary by session id.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*persist.StoredSummary, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+summaryColumns+" FROM sessions WHERE session_id = ?", sessionID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, &persist.StorageError{Op: "get summary", Cause: err}
	}
	return sum, nil
}

// ListSummaries returns recent summaries, newest first.
func (s *Store) ListSummaries(ctx context.Context, filter persist.SummaryFilter) ([]*persist.StoredSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + summaryColumns + " FROM sessions"
	args := []any{}
	if filter.DeviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, filter.DeviceID)
	}
	query += " ORDER BY started_at_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &persist.StorageError{Op: "list summaries", Cause: err}
	}
	defer func() { _ = rows.Close() }()

	var out []*persist.StoredSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, &persist.StorageError{Op: "scan summary", Cause: err}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &persist.StorageError{Op: "list summaries", Cause: err}
	}
	return out, nil
}

// Stats aggregates over all committed summaries.
func (s *Store) Stats(ctx context.Context) (persist.Stats, error) {
	var stats persist.Stats
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(sample_count), 0),
		       AVG(avg_bpm)
		FROM sessions
	`).Scan(&stats.TotalSessions, &stats.TotalSamples, &avg)
	if err != nil {
		return persist.Stats{}, &persist.StorageError{Op: "stats", Cause: err}
	}
	if avg.Valid {
		stats.AvgBPMOverall = &avg.Float64
	}
	return stats, nil
}

// AttachAudio records the audio blob reference on an existing session row.
// Audio may only reference a session that has already been committed.
func (s *Store) AttachAudio(ctx context.Context, sessionID, path string, size int64) error {
	res, err := s.DB.ExecContext(ctx,
		"UPDATE sessions SET audio_path = ?, audio_size = ? WHERE session_id = ?",
		path, size, sessionID)
	if err != nil {
		return &persist.StorageError{Op: "attach audio", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &persist.StorageError{Op: "attach audio", Cause: err}
	}
	if n == 0 {
		return persist.ErrNotFound
	}
	return nil
}

// AudioRef returns the stored audio reference for a session.
func (s *Store) AudioRef(ctx context.Context, sessionID string) (string, int64, error) {
	var path sql.NullString
	var size sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		"SELECT audio_path, audio_size FROM sessions WHERE session_id = ?", sessionID).
		Scan(&path, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, persist.ErrNotFound
	}
	if err != nil {
		return "", 0, &persist.StorageError{Op: "audio ref", Cause: err}
	}
	if !path.Valid {
		return "", 0, persist.ErrNotFound
	}
	return path.String, size.Int64, nil
}

// DeleteAll wipes every summary. Maintenance/test surface only.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM sessions")
	if err != nil {
		return 0, &persist.StorageError{Op: "delete all", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &persist.StorageError{Op: "delete all", Cause: err}
	}
	return n, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return &persist.StorageError{Op: "ping", Cause: err}
	}
	return nil
}

func scanSummary(scanner interface{ Scan(...any) error }) (*persist.StoredSummary, error) {
	var (
		sum          persist.StoredSummary
		status       string
		startedMS    int64
		endedMS      int64
		avgBPM       sql.NullFloat64
		minBPM       sql.NullInt64
		maxBPM       sql.NullInt64
		avgIR        sql.NullFloat64
		quality      sql.NullFloat64
		waveformJSON sql.NullString
		audioPath    sql.NullString
		audioSize    sql.NullInt64
	)

	err := scanner.Scan(
		&sum.SessionID, &sum.DeviceID, &status, &startedMS, &endedMS,
		&sum.DurationSeconds, &sum.SampleCount, &avgBPM, &minBPM, &maxBPM,
		&avgIR, &quality, &waveformJSON, &audioPath, &audioSize,
	)
	if err != nil {
		return nil, err
	}

	sum.Status = session.Status(status)
	sum.StartedAt = time.UnixMilli(startedMS).UTC()
	sum.EndedAt = time.UnixMilli(endedMS).UTC()
	if avgBPM.Valid {
		sum.AvgBPM = &avgBPM.Float64
	}
	if minBPM.Valid {
		v := int(minBPM.Int64)
		sum.MinBPM = &v
	}
	if maxBPM.Valid {
		v := int(maxBPM.Int64)
		sum.MaxBPM = &v
	}
	if avgIR.Valid {
		sum.AvgIR = &avgIR.Float64
	}
	if quality.Valid {
		sum.SignalQuality = &quality.Float64
	}
	if waveformJSON.Valid && waveformJSON.String != "" {
		if err := json.Unmarshal([]byte(waveformJSON.String), &sum.Waveform); err != nil {
			return nil, fmt.Errorf("corrupt waveform for %s: %w", sum.SessionID, err)
		}
	}
	if audioPath.Valid && audioPath.String != "" {
		sum.HasAudio = true
		sum.AudioSize = audioSize.Int64
	}
	return &sum, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
