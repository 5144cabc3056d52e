// SPDX-License-Identifier: MIT

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a session or its persisted summary.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusAborted Status = "aborted"
)

const (
	// goodSignalIR is the raw IR threshold above which a sample counts as
	// good signal for the quality percentage.
	goodSignalIR = 50000

	// waveformEvery is the sampling stride for the persisted waveform trace.
	waveformEvery = 10

	// waveformCap bounds the waveform trace; the oldest point is evicted
	// first so memory stays constant for arbitrarily long sessions.
	waveformCap = 500
)

// WaveformPoint is one retained point of the downsampled waveform trace.
type WaveformPoint struct {
	BeatNumber int       `json:"beat_number"`
	BPM        int       `json:"bpm"`
	IR         int       `json:"ir"`
	AC         int       `json:"ac"`
	At         time.Time `json:"timestamp"`
}

// Summary is the consolidated, storage-ready record produced when a session
// closes or aborts. Avg/Min/Max are nil for a zero-sample session; a zero
// would fabricate a reading that never happened.
type Summary struct {
	SessionID       string          `json:"session_id"`
	DeviceID        string          `json:"device_id"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at"`
	DurationSeconds int64           `json:"duration_seconds"`
	SampleCount     int             `json:"sample_count"`
	AvgBPM          *float64        `json:"avg_bpm"`
	MinBPM          *int            `json:"min_bpm"`
	MaxBPM          *int            `json:"max_bpm"`
	AvgIR           *float64        `json:"avg_ir"`
	SignalQuality   *float64        `json:"signal_quality"`
	Waveform        []WaveformPoint `json:"waveform,omitempty"`
	Status          Status          `json:"status"`
}

// Info is a live snapshot of an open session, served over the device
// connection on request. It never leaves the ingest path.
type Info struct {
	SessionID       string   `json:"session_id"`
	Active          bool     `json:"active"`
	DurationSeconds int64    `json:"duration_seconds"`
	SampleCount     int      `json:"sample_count"`
	AvgBPM          *float64 `json:"avg_bpm"`
	MinBPM          *int     `json:"min_bpm"`
	MaxBPM          *int     `json:"max_bpm"`
}

// Session holds the bounded running state of one open monitoring session.
// Each Record is O(1); no sample history is retained beyond the capped
// waveform trace. The mutex covers the race between the owning connection
// task and the idle sweeper finalizing a silently-dead session.
type Session struct {
	id        string
	deviceID  string
	startedAt time.Time

	mu          sync.Mutex
	count       int
	sum         int64
	min         int
	max         int
	irSum       int64
	goodSignal  int
	lastIR      int
	lastAC      int
	lastSeen    time.Time
	waveform    []WaveformPoint
	finalized   bool
	finalStatus Status
}

// Open creates a new session for a device.
func Open(deviceID string, startedAt time.Time) *Session {
	return &Session{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		startedAt: startedAt,
		lastSeen:  startedAt,
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// DeviceID returns the owning device identity.
func (s *Session) DeviceID() string { return s.deviceID }

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// LastSeen returns the timestamp of the most recent sample, or the start
// time if none arrived yet.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Record folds one sample into the running aggregates. Samples arriving
// after finalization (the connection lost the race against the sweeper)
// are dropped.
func (s *Session) Record(bpm, ir, ac int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}

	if s.count == 0 || bpm < s.min {
		s.min = bpm
	}
	if s.count == 0 || bpm > s.max {
		s.max = bpm
	}
	s.count++
	s.sum += int64(bpm)
	s.irSum += int64(ir)
	if ir > goodSignalIR {
		s.goodSignal++
	}
	s.lastIR = ir
	s.lastAC = ac
	s.lastSeen = at

	if s.count%waveformEvery == 0 {
		if len(s.waveform) == waveformCap {
			copy(s.waveform, s.waveform[1:])
			s.waveform = s.waveform[:waveformCap-1]
		}
		s.waveform = append(s.waveform, WaveformPoint{
			BeatNumber: s.count,
			BPM:        bpm,
			IR:         ir,
			AC:         ac,
			At:         at,
		})
	}
}

// Close finalizes the session with status closed. A zero-sample close still
// yields a summary (persisted for audit) with nil statistics.
func (s *Session) Close(endedAt time.Time) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalize(endedAt, StatusClosed)
}

// Abort finalizes the session with status aborted. The boolean reports
// whether the summary carries any samples; an empty aborted session is not
// worth persisting. Abort is idempotent: the loser of a close/sweep race
// gets ok=false.
func (s *Session) Abort(at time.Time) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return Summary{}, false
	}
	sum := s.finalize(at, StatusAborted)
	return sum, sum.SampleCount > 0
}

// finalize computes the summary. Caller holds s.mu.
func (s *Session) finalize(endedAt time.Time, status Status) Summary {
	s.finalized = true
	s.finalStatus = status

	sum := Summary{
		SessionID:       s.id,
		DeviceID:        s.deviceID,
		StartedAt:       s.startedAt,
		EndedAt:         endedAt,
		DurationSeconds: int64(endedAt.Sub(s.startedAt).Seconds()),
		SampleCount:     s.count,
		Waveform:        s.waveform,
		Status:          status,
	}
	if s.count > 0 {
		avg := float64(s.sum) / float64(s.count)
		minBPM, maxBPM := s.min, s.max
		avgIR := float64(s.irSum) / float64(s.count)
		quality := float64(s.goodSignal) / float64(s.count) * 100
		sum.AvgBPM = &avg
		sum.MinBPM = &minBPM
		sum.MaxBPM = &maxBPM
		sum.AvgIR = &avgIR
		sum.SignalQuality = &quality
	}
	return sum
}

// Snapshot returns the live view of the session.
func (s *Session) Snapshot(now time.Time) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		SessionID:       s.id,
		Active:          !s.finalized,
		DurationSeconds: int64(now.Sub(s.startedAt).Seconds()),
		SampleCount:     s.count,
	}
	if s.count > 0 {
		avg := float64(s.sum) / float64(s.count)
		minBPM, maxBPM := s.min, s.max
		info.AvgBPM = &avg
		info.MinBPM = &minBPM
		info.MaxBPM = &maxBPM
	}
	return info
}
