// SPDX-License-Identifier: MIT

// Package ingest runs the device-facing TCP listener. Each accepted
// connection gets one goroutine that decodes newline-delimited JSON frames,
// drives them through the per-connection session state machine, and writes
// acknowledgement frames back. Transport loss is delivered into the state
// machine as a synthesized event so open sessions are always finalized.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pulsegrid/pulsed/internal/log"
	"github.com/pulsegrid/pulsed/internal/metrics"
	"github.com/pulsegrid/pulsed/internal/protocol"
	"github.com/pulsegrid/pulsed/internal/session"
)

// Config tunes the listener.
type Config struct {
	Addr         string        // listen address, host:port
	FramesPerSec float64       // per-connection frame budget, 0 disables
	FrameBurst   int           // limiter burst, defaults to FramesPerSec
	WriteTimeout time.Duration // deadline for one ack write
	DrainTimeout time.Duration // bound on worker join at shutdown
	MaxConns     int           // accepted connections cap, 0 unlimited
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":9200",
		FramesPerSec: 100,
		FrameBurst:   200,
		WriteTimeout: 5 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

// Server accepts device connections and feeds frames into session state
// machines.
type Server struct {
	conf      Config
	registry  *session.Registry
	committer session.Committer
	publisher session.Publisher
	logger    zerolog.Logger

	workers workerRegistry

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
}

// New builds a server. publisher may be nil.
func New(conf Config, reg *session.Registry, committer session.Committer, publisher session.Publisher) *Server {
	if conf.FrameBurst <= 0 {
		conf.FrameBurst = int(conf.FramesPerSec)
	}
	return &Server{
		conf:      conf,
		registry:  reg,
		committer: committer,
		publisher: publisher,
		logger:    log.WithComponent("ingest"),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound listen address, valid after Serve starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve listens and accepts until ctx is cancelled, then closes the listener,
// hangs up all connections and waits for their state machines to finish
// cleanup. It returns only after the drain completes or times out.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("ingest listener started")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return s.drain()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return err
		}

		if s.conf.MaxConns > 0 && s.connCount() >= s.conf.MaxConns {
			s.logger.Warn().Str(log.FieldRemote, conn.RemoteAddr().String()).Msg("connection limit reached, rejecting")
			_ = conn.Close()
			continue
		}

		s.trackConn(conn)
		started := s.workers.Go(func() {
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		})
		if !started {
			s.untrackConn(conn)
			_ = conn.Close()
		}
	}
}

func (s *Server) drain() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.conf.DrainTimeout)
	defer cancel()
	if err := s.workers.CloseAndWait(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("shutdown drain incomplete")
		return err
	}
	s.logger.Info().Msg("ingest listener stopped")
	return nil
}

func (s *Server) trackConn(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metrics.ActiveConnections.Inc()
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		metrics.ActiveConnections.Dec()
	}
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleConn owns one connection end to end. The deferred ConnectionLost
// event runs through the same state machine as decoded frames, so cleanup
// follows the identical finalization path regardless of how the connection
// died.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str(log.FieldRemote, remote).Logger()
	logger.Debug().Msg("connection accepted")

	mgr := session.NewConnManager(s.registry, s.committer, s.publisher, logger)

	defer func() {
		if _, err := mgr.Handle(context.WithoutCancel(ctx), protocol.ConnectionLost{}); err != nil {
			logger.Error().Err(err).Msg("cleanup commit failed")
		}
		_ = conn.Close()
		logger.Debug().Msg("connection closed")
	}()

	var limiter *rate.Limiter
	if s.conf.FramesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.conf.FramesPerSec), s.conf.FrameBurst)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), protocol.MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		ev, err := protocol.Decode(line)
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				metrics.DecodeErrorsTotal.WithLabelValues(derr.Code).Inc()
				logger.Warn().Err(err).Msg("frame rejected")
				s.writeAck(conn, protocol.ErrorAck(derr), logger)
				continue
			}
			logger.Warn().Err(err).Msg("frame rejected")
			continue
		}

		ack, err := mgr.Handle(ctx, ev)
		if err != nil {
			logger.Error().Err(err).Str(log.FieldEvent, ev.EventType()).Msg("commit failed")
		}
		if ack != nil {
			s.writeAck(conn, *ack, logger)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		if errors.Is(err, bufio.ErrTooLong) {
			metrics.DecodeErrorsTotal.WithLabelValues(protocol.CodeMalformedPayload).Inc()
			logger.Warn().Msg("oversized frame, hanging up")
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			logger.Debug().Err(err).Msg("read loop ended")
		}
	}
}

func (s *Server) writeAck(conn net.Conn, ack protocol.Ack, logger zerolog.Logger) {
	if s.conf.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
	}
	buf := append(protocol.EncodeAck(ack), '\n')
	if _, err := conn.Write(buf); err != nil {
		logger.Debug().Err(err).Str("ack_type", ack.Type).Msg("ack write failed")
	}
}
