// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsed/internal/log"
	"github.com/pulsegrid/pulsed/internal/metrics"
	"github.com/pulsegrid/pulsed/internal/protocol"
)

// State of a connection's session state machine.
type State string

const (
	StateIdle      State = "idle"
	StateInSession State = "in_session"
)

// Finalization causes, recorded in metrics and logs.
const (
	CauseEnd            = "end"
	CauseConnectionLost = "connection_lost"
	CauseDuplicateStart = "duplicate_start"
	CauseIdleTimeout    = "idle_timeout"
	CauseShutdown       = "shutdown"
)

// Committer accepts a finalized summary for durable storage. Implementations
// own the retry/backoff/pending-queue policy; a returned error means the
// summary could not even be parked durably.
type Committer interface {
	Commit(ctx context.Context, summary Summary) error
}

// Publisher fans out live heartbeat samples for real-time consumers. It must
// not block the sample path.
type Publisher interface {
	PublishHeartbeat(ctx context.Context, deviceID string, bpm, ir, ac int)
}

// ConnManager is the per-connection state machine binding one device
// connection to at most one open session. It is owned by a single connection
// goroutine; events pass through it strictly in arrival order.
type ConnManager struct {
	registry  *Registry
	committer Committer
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	state    State
	deviceID string
	sess     *Session
}

// NewConnManager builds the state machine for one connection.
func NewConnManager(reg *Registry, committer Committer, publisher Publisher, logger zerolog.Logger) *ConnManager {
	return &ConnManager{
		registry:  reg,
		committer: committer,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		state:     StateIdle,
	}
}

// State returns the current machine state.
func (m *ConnManager) State() State { return m.state }

// DeviceID returns the device bound by the most recent SessionStart.
func (m *ConnManager) DeviceID() string { return m.deviceID }

// Handle routes one decoded event through the transition table. The returned
// ack, if non-nil, is written back to the device. An error from Handle means
// a summary could not be committed or parked; the connection itself stays up.
func (m *ConnManager) Handle(ctx context.Context, ev protocol.Event) (*protocol.Ack, error) {
	metrics.FramesTotal.WithLabelValues(ev.EventType()).Inc()

	switch ev := ev.(type) {
	case protocol.SessionStart:
		return m.handleStart(ctx, ev)
	case protocol.Heartbeat:
		return m.handleHeartbeat(ctx, ev)
	case protocol.SessionEnd:
		return m.handleEnd(ctx, ev)
	case protocol.SessionInfo:
		return m.handleInfo(ev)
	case protocol.ConnectionLost:
		return nil, m.handleConnectionLost(ctx)
	default:
		m.logger.Warn().Str(log.FieldEvent, ev.EventType()).Msg("unhandled event type")
		return nil, nil
	}
}

func (m *ConnManager) handleStart(ctx context.Context, ev protocol.SessionStart) (*protocol.Ack, error) {
	now := m.now()

	// Abort-and-replace: a registered session for this device is stale
	// (device reconnected without a clean end, or this connection restarts
	// mid-session). Its partial summary is emitted, never merged or lost.
	// The loop covers the window where another connection re-registers
	// between our remove and register.
	var commitErr error
	for attempt := 0; ; attempt++ {
		stale, ok := m.registry.Lookup(ev.DeviceID)
		if ok {
			if m.registry.Remove(ev.DeviceID, stale.ID()) {
				metrics.ActiveSessions.Dec()
				if sum, has := stale.Abort(now); has {
					metrics.SessionsFinalizedTotal.WithLabelValues(string(StatusAborted), CauseDuplicateStart).Inc()
					m.logger.Info().
						Str(log.FieldSessionID, sum.SessionID).
						Str(log.FieldDeviceID, sum.DeviceID).
						Int(log.FieldSampleCount, sum.SampleCount).
						Msg("aborted stale session on duplicate start")
					if err := m.committer.Commit(ctx, sum); err != nil {
						commitErr = err
					}
				}
			}
		}

		sess := Open(ev.DeviceID, now)
		if err := m.registry.Register(ev.DeviceID, sess); err == nil {
			m.sess = sess
			m.deviceID = ev.DeviceID
			m.transition(StateInSession)
			metrics.SessionsOpenedTotal.Inc()
			metrics.ActiveSessions.Inc()
			m.logger.Info().
				Str(log.FieldSessionID, sess.ID()).
				Str(log.FieldDeviceID, ev.DeviceID).
				Msg("session started")
			ack := protocol.Ack{
				Type:      protocol.AckSessionStarted,
				DeviceID:  ev.DeviceID,
				SessionID: sess.ID(),
			}
			return &ack, commitErr
		}
		if attempt >= 3 {
			m.logger.Error().
				Str(log.FieldDeviceID, ev.DeviceID).
				Msg("could not win session registration, dropping start")
			ack := protocol.Ack{Type: protocol.AckError, Code: "session_contention", DeviceID: ev.DeviceID}
			return &ack, commitErr
		}
	}
}

func (m *ConnManager) handleHeartbeat(ctx context.Context, ev protocol.Heartbeat) (*protocol.Ack, error) {
	if m.state != StateInSession {
		// No session to attribute the sample to. Not severe enough to tear
		// down the connection.
		metrics.SamplesDroppedTotal.Inc()
		m.logger.Debug().Int(log.FieldBPM, ev.BPM).Msg("heartbeat while idle, dropped")
		return nil, nil
	}

	m.sess.Record(ev.BPM, ev.IR, ev.AC, m.now())
	metrics.SamplesTotal.Inc()
	if m.publisher != nil {
		m.publisher.PublishHeartbeat(ctx, m.deviceID, ev.BPM, ev.IR, ev.AC)
	}
	return nil, nil
}

func (m *ConnManager) handleEnd(ctx context.Context, ev protocol.SessionEnd) (*protocol.Ack, error) {
	if m.state != StateInSession {
		m.logger.Debug().Str(log.FieldDeviceID, ev.DeviceID).Msg("session end while idle, dropped")
		return nil, nil
	}
	if ev.DeviceID != m.deviceID {
		m.logger.Warn().
			Str(log.FieldDeviceID, ev.DeviceID).
			Str("bound_device_id", m.deviceID).
			Msg("session end for foreign device, dropped")
		return nil, nil
	}

	sess := m.sess
	m.sess = nil
	m.transition(StateIdle)

	if !m.registry.Remove(m.deviceID, sess.ID()) {
		// Sweeper or a duplicate start already finalized it.
		m.logger.Info().Str(log.FieldSessionID, sess.ID()).Msg("session already finalized elsewhere")
		return nil, nil
	}
	metrics.ActiveSessions.Dec()

	sum := sess.Close(m.now())
	metrics.SessionsFinalizedTotal.WithLabelValues(string(StatusClosed), CauseEnd).Inc()
	m.logger.Info().
		Str(log.FieldSessionID, sum.SessionID).
		Str(log.FieldDeviceID, sum.DeviceID).
		Int(log.FieldSampleCount, sum.SampleCount).
		Msg("session closed")

	err := m.committer.Commit(ctx, sum)

	ack := protocol.Ack{
		Type:      protocol.AckSessionSaved,
		DeviceID:  sum.DeviceID,
		SessionID: sum.SessionID,
		Summary: &protocol.AckSummary{
			SampleCount: sum.SampleCount,
			AvgBPM:      sum.AvgBPM,
			Duration:    sum.DurationSeconds,
		},
	}
	return &ack, err
}

func (m *ConnManager) handleInfo(ev protocol.SessionInfo) (*protocol.Ack, error) {
	if m.state != StateInSession || ev.DeviceID != m.deviceID {
		return nil, nil
	}
	info := m.sess.Snapshot(m.now())
	ack := protocol.Ack{
		Type:     protocol.AckSessionInfo,
		DeviceID: m.deviceID,
		Info:     info,
	}
	return &ack, nil
}

// handleConnectionLost runs the guaranteed-cleanup transition when the
// transport drops. It is the only path not originating from a decoded frame.
func (m *ConnManager) handleConnectionLost(ctx context.Context) error {
	if m.state != StateInSession {
		return nil
	}

	sess := m.sess
	m.sess = nil
	m.transition(StateIdle)

	if !m.registry.Remove(m.deviceID, sess.ID()) {
		return nil
	}
	metrics.ActiveSessions.Dec()

	sum, has := sess.Abort(m.now())
	if !has {
		m.logger.Info().
			Str(log.FieldSessionID, sess.ID()).
			Str(log.FieldDeviceID, m.deviceID).
			Msg("connection lost, empty session discarded")
		return nil
	}
	metrics.SessionsFinalizedTotal.WithLabelValues(string(StatusAborted), CauseConnectionLost).Inc()
	m.logger.Info().
		Str(log.FieldSessionID, sum.SessionID).
		Str(log.FieldDeviceID, sum.DeviceID).
		Int(log.FieldSampleCount, sum.SampleCount).
		Msg("connection lost, session aborted")
	return m.committer.Commit(ctx, sum)
}

func (m *ConnManager) transition(next State) {
	m.logger.Debug().
		Str(log.FieldOldState, string(m.state)).
		Str(log.FieldNewState, string(next)).
		Msg("state transition")
	m.state = next
}
