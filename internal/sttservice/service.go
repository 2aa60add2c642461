// Package sttservice is the orchestrator: the single entry point the
// owning WebSocket layer calls to create sessions, forward audio, finalize
// transcripts, and tear sessions down.
package sttservice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/torteous44/sttrelay/internal/session"
	"github.com/torteous44/sttrelay/internal/upstream"
)

// Kind tags the caller-facing error taxonomy.
type Kind string

const (
	KindInvalidArgument     Kind = "invalid_argument"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindUpstreamConnectFail Kind = "upstream_connect_failed"
)

// Error is a Kind-tagged error returned by createSession.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Defaults holds the service-level timing constants.
var Defaults = struct {
	CleanupPeriod    time.Duration
	IdleTimeout      time.Duration
	HardTimeout      time.Duration
	EndSessionBudget time.Duration
}{
	CleanupPeriod:    60 * time.Second,
	IdleTimeout:      5 * time.Minute,
	HardTimeout:      time.Hour,
	EndSessionBudget: 5 * time.Second,
}

// Config supplies the orchestrator's environment-sourced settings.
type Config struct {
	APIKey          string
	DefaultLanguage string
	DefaultModel    string
}

// Service is the process-wide orchestrator, constructed and handed to the
// owning layer rather than kept as ambient global state.
type Service struct {
	cfg Config
	log zerolog.Logger

	registry *session.Registry
	factory  upstream.Factory

	connMu     sync.Mutex
	connectors map[string]*upstream.Connector

	isShuttingDown atomic.Bool

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	cleanupMu     sync.Mutex

	totalSessionsCreated   uint64
	totalSessionsCleaned   uint64
	peakConcurrentSessions uint64
}

// New constructs a Service. factory produces the upstream client used for
// every connection attempt; pass upstream.NewWSClientFactory(cfg.APIKey, "")
// in production, a fake in tests.
func New(cfg Config, factory upstream.Factory, log zerolog.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		log:        log,
		registry:   session.NewRegistry(log),
		factory:    factory,
		connectors: make(map[string]*upstream.Connector),
	}
	s.startCleanupTicker()
	return s
}

func (s *Service) startCleanupTicker() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.cleanupTicker != nil {
		return
	}
	s.cleanupTicker = time.NewTicker(Defaults.CleanupPeriod)
	s.cleanupStop = make(chan struct{})
	ticker := s.cleanupTicker
	stop := s.cleanupStop
	go s.runCleanupSweeps(ticker, stop)
}

func (s *Service) runCleanupSweeps(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-stop:
			return
		}
	}
}

// sweepOnce is wrapped in its own failure boundary so one bad session never
// stops future sweeps.
func (s *Service) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("cleanup sweep panicked")
		}
	}()

	now := time.Now()
	for _, sess := range s.registry.GetAllSessions() {
		idle := now.Sub(sess.LastActivityAt)
		age := now.Sub(sess.CreatedAt)
		if idle > Defaults.IdleTimeout || age > Defaults.HardTimeout {
			s.log.Info().Str("session_id", sess.ID).Dur("idle", idle).Dur("age", age).Msg("cleaning up timed-out session")
			s.EndSession(sess.ID)
		}
	}
}

// CreateSession validates cfg, replaces any pre-existing session with the
// same id, dials the upstream connection, and registers the new session.
func (s *Service) CreateSession(ctx context.Context, sessionID, connectionID string, cfg session.Config) (*session.Session, error) {
	if s.isShuttingDown.Load() {
		return nil, newError(KindServiceUnavailable, "service is shutting down")
	}
	if sessionID == "" {
		return nil, newError(KindInvalidArgument, "sessionId must not be empty")
	}
	if cfg.SamplingRate < 8000 || cfg.SamplingRate > 48000 {
		return nil, newError(KindInvalidArgument, "samplingRate must be in [8000, 48000]")
	}
	if cfg.Language == "" {
		cfg.Language = s.cfg.DefaultLanguage
	}
	if cfg.Model == "" {
		cfg.Model = s.cfg.DefaultModel
	}

	if s.registry.HasSession(sessionID) {
		s.EndSession(sessionID)
	}

	sess := s.registry.CreateSession(sessionID, connectionID, cfg)

	handlers := upstream.Handlers{
		OnTranscript: func(f upstream.TranscriptFragment) {
			sess.AddTranscript(f.Text, f.Confidence, f.IsFinal)
		},
		OnMetadata: func() {
			sess.ResolveFinalizationWaiters(session.FinalizationEvent)
		},
		OnError: func(err error) {
			s.log.Warn().Str("session_id", sessionID).Err(err).Msg("upstream error")
		},
	}

	conn := upstream.NewConnector(sess, s.factory, upstream.ConnectParams{
		SamplingRate: cfg.SamplingRate,
		Language:     cfg.Language,
		Model:        cfg.Model,
	}, handlers, s.log)

	if err := conn.Connect(ctx); err != nil {
		s.registry.DeleteSession(sessionID)
		return nil, newError(KindUpstreamConnectFail, fmt.Sprintf("failed to connect to upstream: %v", err))
	}

	s.connMu.Lock()
	s.connectors[sessionID] = conn
	s.connMu.Unlock()

	atomic.AddUint64(&s.totalSessionsCreated, 1)
	s.bumpPeak()

	return sess, nil
}

func (s *Service) bumpPeak() {
	current := uint64(s.registry.GetSessionCount())
	for {
		peak := atomic.LoadUint64(&s.peakConcurrentSessions)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapUint64(&s.peakConcurrentSessions, peak, current) {
			return
		}
	}
}

func (s *Service) getConnector(sessionID string) *upstream.Connector {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connectors[sessionID]
}

func (s *Service) dropConnector(sessionID string) {
	s.connMu.Lock()
	delete(s.connectors, sessionID)
	s.connMu.Unlock()
}

// ForwardChunk routes a PCM chunk to the session's connector, if any.
func (s *Service) ForwardChunk(sessionID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	sess := s.registry.GetSession(sessionID)
	if sess == nil {
		s.log.Warn().Str("session_id", sessionID).Msg("forwardChunk for unknown session")
		return
	}
	conn := s.getConnector(sessionID)
	if conn == nil {
		return
	}
	conn.ForwardChunk(chunk)
}

// FinalizeTranscript runs the two-phase finalization handshake: send the
// upstream terminator, wait for the metadata ack or a timeout, then capture
// and reset the transcript.
func (s *Service) FinalizeTranscript(sessionID string) string {
	sess := s.registry.GetSession(sessionID)
	if sess == nil {
		return ""
	}

	alreadyInFlight, waiter := sess.BeginFinalizing()
	if alreadyInFlight {
		select {
		case <-waiter:
		case <-time.After(upstream.Defaults.FinalizeWaitTimeout):
		}
		text := sess.CaptureAndResetTranscript()
		sess.ScheduleFinalizationFlagReset(upstream.Defaults.FinalizeFlagHold)
		return text
	}

	handle := sess.Handle()
	if handle == nil || !handle.Ready() {
		text := sess.CaptureAndResetTranscript()
		sess.Metrics.FinalizationMethod = session.FinalizationNone
		sess.ScheduleFinalizationFlagReset(upstream.Defaults.FinalizeFlagHold)
		return text
	}

	conn := s.getConnector(sessionID)
	var sent bool
	if conn != nil {
		if err := conn.SendTerminator(); err == nil {
			sent = true
		} else {
			s.log.Debug().Str("session_id", sessionID).Err(err).Msg("terminator send failed, treating handle as unready")
		}
	}

	if !sent {
		text := sess.CaptureAndResetTranscript()
		sess.Metrics.FinalizationMethod = session.FinalizationNone
		sess.ScheduleFinalizationFlagReset(upstream.Defaults.FinalizeFlagHold)
		return text
	}

	var method session.FinalizationMethod
	select {
	case method = <-waiter:
	case <-time.After(upstream.Defaults.FinalizeWaitTimeout):
		method = session.FinalizationTimeout
		sess.ResolveFinalizationWaiters(session.FinalizationTimeout)
	}

	text := sess.CaptureAndResetTranscript()
	sess.Metrics.FinalizationMethod = method
	sess.ScheduleFinalizationFlagReset(upstream.Defaults.FinalizeFlagHold)
	return text
}

// EndSession never panics or returns an error: on any internal failure it
// returns "" and still removes the session.
func (s *Service) EndSession(sessionID string) string {
	sess := s.registry.GetSession(sessionID)
	if sess == nil {
		return ""
	}

	snapshot := sess.GetFinalTranscript()

	conn := s.getConnector(sessionID)
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug().Str("session_id", sessionID).Err(err).Msg("upstream close returned an error")
		}
		s.dropConnector(sessionID)
	}

	s.registry.DeleteSession(sessionID)
	atomic.AddUint64(&s.totalSessionsCleaned, 1)
	return snapshot
}

// ShutdownOptions configures a Shutdown call.
type ShutdownOptions struct {
	Restart bool
}

// Shutdown stops accepting new sessions, tears down every existing session
// within a per-session budget, and optionally restarts the cleanup loop.
func (s *Service) Shutdown(opts ShutdownOptions) {
	s.isShuttingDown.Store(true)

	s.cleanupMu.Lock()
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
		close(s.cleanupStop)
		s.cleanupTicker = nil
		s.cleanupStop = nil
	}
	s.cleanupMu.Unlock()

	for _, sess := range s.registry.GetAllSessions() {
		done := make(chan struct{})
		go func() {
			s.EndSession(sess.ID)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(Defaults.EndSessionBudget):
			sess.Cleanup()
			s.registry.DeleteSession(sess.ID)
			s.dropConnector(sess.ID)
		}
	}

	if opts.Restart {
		s.isShuttingDown.Store(false)
		s.startCleanupTicker()
	}
}

// Metrics is the process-wide aggregate returned by Service.Metrics.
type Metrics struct {
	ActiveSessions           int
	TotalChunksForwarded     uint64
	TotalChunksReceived      uint64
	TotalTranscriptsReceived uint64
	TotalErrors              uint64
	TotalReconnections       uint64
	AverageSessionDurationMs int64
	MemoryUsageEstimateMB    float64
	PeakConcurrentSessions   uint64
	TotalSessionsCreated     uint64
	TotalSessionsCleaned     uint64
}

// Metrics computes the process-wide aggregate on demand.
func (s *Service) Metrics() Metrics {
	sessions := s.registry.GetAllSessions()
	m := Metrics{
		ActiveSessions:         len(sessions),
		PeakConcurrentSessions: atomic.LoadUint64(&s.peakConcurrentSessions),
		TotalSessionsCreated:   atomic.LoadUint64(&s.totalSessionsCreated),
		TotalSessionsCleaned:   atomic.LoadUint64(&s.totalSessionsCleaned),
	}

	var totalDurationMs int64
	var bytesUsed int64
	for _, sess := range sessions {
		m.TotalChunksForwarded += sess.Metrics.ChunksForwarded
		m.TotalChunksReceived += sess.Metrics.ChunksReceived
		m.TotalTranscriptsReceived += sess.Metrics.TranscriptsReceived
		m.TotalErrors += sess.Metrics.Errors
		m.TotalReconnections += sess.Metrics.Reconnections
		totalDurationMs += sess.Duration().Milliseconds()
		bytesUsed += int64(sess.TranscriptByteEstimate() + sess.ReconnectionBufferSize())
	}
	if len(sessions) > 0 {
		m.AverageSessionDurationMs = totalDurationMs / int64(len(sessions))
	}
	m.MemoryUsageEstimateMB = float64(bytesUsed) / (1024 * 1024)
	return m
}

// SessionMetrics is the per-session view returned by Service.SessionMetrics.
type SessionMetrics struct {
	ConnectionState session.ConnectionState
	Metrics         session.Metrics
	DurationMs      int64
}

// SessionMetrics returns the per-session metrics view, or the zero value if
// sessionID is unknown.
func (s *Service) SessionMetrics(sessionID string) (SessionMetrics, bool) {
	sess := s.registry.GetSession(sessionID)
	if sess == nil {
		return SessionMetrics{}, false
	}
	return SessionMetrics{
		ConnectionState: sess.ConnectionState(),
		Metrics:         sess.Metrics,
		DurationMs:      sess.Duration().Milliseconds(),
	}, true
}

// IsHealthy reports true iff the API key is non-empty.
func (s *Service) IsHealthy() bool {
	return s.cfg.APIKey != ""
}
