// Package session holds the per-session state machine: identity,
// transcript accumulator, reconnection buffer, and the resource handles a
// session owns.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxReconnectionBufferBytes bounds the FIFO audio buffer held during a
// transient upstream disconnect.
const MaxReconnectionBufferBytes = 32 * 1024

// ConnectionState is the session's view of its upstream connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// FinalizationMethod records how the last finalizeTranscript call resolved.
type FinalizationMethod string

const (
	FinalizationNone    FinalizationMethod = "none"
	FinalizationEvent   FinalizationMethod = "event"
	FinalizationTimeout FinalizationMethod = "timeout"
)

// Segment is one transcript fragment appended to a session.
type Segment struct {
	Text       string
	Confidence float64
	Timestamp  time.Time
	IsFinal    bool
}

// Config is the per-session configuration supplied at creation, minus the
// identifiers which are carried by the Session itself.
type Config struct {
	SamplingRate int
	Language     string
	Model        string
}

// Metrics accumulates the per-session counters tracked over its lifetime.
type Metrics struct {
	ChunksReceived                uint64
	ChunksForwarded               uint64
	TranscriptsReceived           uint64
	Errors                        uint64
	Reconnections                 uint64
	SuccessfulReconnections       uint64
	FailedReconnections           uint64
	TotalDowntimeMs               int64
	BufferedChunksDuringReconnect uint64
	FinalizationMethod            FinalizationMethod
}

// UpstreamHandle is the minimal surface the session needs from its upstream
// client to satisfy the "at most one handle, must be closed before
// replacing" invariant. The concrete type lives in internal/upstream; this
// narrow interface avoids an import cycle.
type UpstreamHandle interface {
	Close() error
	Ready() bool
}

// Session is the per-call unit of STT work.
type Session struct {
	ID           string
	ConnectionID string
	Config       Config

	CreatedAt        time.Time
	LastActivityAt   time.Time
	LastTranscriptAt time.Time

	mu sync.Mutex

	handle          UpstreamHandle
	connectionState ConnectionState

	accumulated strings.Builder
	interim     string
	segments    []Segment

	isFinalizing        bool
	finalizationTimer   *time.Timer
	finalizationWaiters []chan FinalizationMethod

	keepAliveTicker *time.Ticker
	keepAliveStop   chan struct{}

	isReconnecting   bool
	reconnectBuffer  [][]byte
	reconnectBufSize int

	isActive bool

	Metrics Metrics

	log zerolog.Logger
}

// New creates a Session in the connecting state. Callers (the registry)
// are responsible for inserting it into the shared map.
func New(id, connectionID string, cfg Config, logger zerolog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:              id,
		ConnectionID:    connectionID,
		Config:          cfg,
		CreatedAt:       now,
		LastActivityAt:  now,
		connectionState: StateConnecting,
		isActive:        true,
		log:             logger.With().Str("session_id", id).Logger(),
	}
}

// Touch records activity, used by ForwardChunk to track idle timeouts.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
}

// SetConnectionState transitions the session's view of upstream connectivity.
func (s *Session) SetConnectionState(state ConnectionState) {
	s.mu.Lock()
	s.connectionState = state
	s.mu.Unlock()
}

// ConnectionState returns the current connection state.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionState
}

// SetHandle installs a new upstream handle. The caller must have already
// closed any previous handle: a session holds at most one handle at a time.
func (s *Session) SetHandle(h UpstreamHandle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// Handle returns the current upstream handle, or nil.
func (s *Session) Handle() UpstreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// IsActive reports whether the session has not yet been cleaned up.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive
}

// AddTranscript appends a transcript fragment.
func (s *Session) AddTranscript(text string, confidence float64, isFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isFinal {
		s.accumulated.WriteString(text)
		s.accumulated.WriteString(" ")
		s.interim = ""
	} else {
		s.interim = text
	}
	s.segments = append(s.segments, Segment{
		Text: text, Confidence: confidence, Timestamp: time.Now(), IsFinal: isFinal,
	})
	s.Metrics.TranscriptsReceived++
	s.LastTranscriptAt = time.Now()
}

// GetFinalTranscript returns the accumulated final transcript, falling back
// to the latest interim fragment if no final segment ever arrived. It never
// returns both.
func (s *Session) GetFinalTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalTranscriptLocked()
}

func (s *Session) finalTranscriptLocked() string {
	if final := strings.TrimSpace(s.accumulated.String()); final != "" {
		return final
	}
	return strings.TrimSpace(s.interim)
}

// ResetAccumulator clears the transcript accumulator without touching
// metrics.
func (s *Session) ResetAccumulator() {
	s.mu.Lock()
	s.accumulated.Reset()
	s.interim = ""
	s.segments = s.segments[:0]
	s.mu.Unlock()
}

// CaptureAndResetTranscript atomically reads the final transcript and clears
// the accumulator, avoiding a read/reset race against a concurrent
// AddTranscript delivered by the upstream event pump.
func (s *Session) CaptureAndResetTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.finalTranscriptLocked()
	s.accumulated.Reset()
	s.interim = ""
	s.segments = s.segments[:0]
	return text
}

// AddToReconnectionBuffer pushes a chunk captured while isReconnecting,
// evicting the oldest chunks FIFO so the total size never exceeds
// MaxReconnectionBufferBytes. A single chunk larger than the cap is rejected
// outright and does not mutate the buffer.
func (s *Session) AddToReconnectionBuffer(chunk []byte) bool {
	if len(chunk) > MaxReconnectionBufferBytes {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.reconnectBufSize+len(chunk) > MaxReconnectionBufferBytes && len(s.reconnectBuffer) > 0 {
		evicted := s.reconnectBuffer[0]
		s.reconnectBuffer = s.reconnectBuffer[1:]
		s.reconnectBufSize -= len(evicted)
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.reconnectBuffer = append(s.reconnectBuffer, cp)
	s.reconnectBufSize += len(cp)
	s.Metrics.BufferedChunksDuringReconnect++
	return true
}

// FlushReconnectionBuffer returns all buffered chunks in FIFO order and
// empties the buffer.
func (s *Session) FlushReconnectionBuffer() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.reconnectBuffer
	s.reconnectBuffer = nil
	s.reconnectBufSize = 0
	return out
}

// ClearReconnectionBuffer empties the buffer without returning its contents.
func (s *Session) ClearReconnectionBuffer() {
	s.mu.Lock()
	s.reconnectBuffer = nil
	s.reconnectBufSize = 0
	s.mu.Unlock()
}

// ReconnectionBufferSize returns the current total buffered byte size, used
// by metrics() for the memory usage estimate.
func (s *Session) ReconnectionBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectBufSize
}

// SetReconnecting flips the isReconnecting flag.
func (s *Session) SetReconnecting(v bool) {
	s.mu.Lock()
	s.isReconnecting = v
	s.mu.Unlock()
}

// IsReconnecting reports whether a reconnection attempt is in flight.
func (s *Session) IsReconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReconnecting
}

// BeginFinalizing sets the finalization flag and cancels any pre-existing
// finalization timer. It reports whether a finalization was already in
// flight (the caller must then share the waiter rather than re-send the
// terminator).
func (s *Session) BeginFinalizing() (alreadyInFlight bool, waiter chan FinalizationMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizationTimer != nil {
		s.finalizationTimer.Stop()
		s.finalizationTimer = nil
	}

	w := make(chan FinalizationMethod, 1)
	if s.isFinalizing {
		s.finalizationWaiters = append(s.finalizationWaiters, w)
		return true, w
	}

	s.isFinalizing = true
	s.finalizationWaiters = append(s.finalizationWaiters[:0], w)
	return false, w
}

// IsFinalizing reports whether finalization is in progress (consulted by
// the upstream connector's close handler).
func (s *Session) IsFinalizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFinalizing
}

// ResolveFinalizationWaiters wakes every registered waiter exactly once with
// the method that resolved them. Called from the metadata handler and from
// the timeout/close-during-finalization paths.
func (s *Session) ResolveFinalizationWaiters(method FinalizationMethod) {
	s.mu.Lock()
	waiters := s.finalizationWaiters
	s.finalizationWaiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- method:
		default:
		}
	}
}

// ScheduleFinalizationFlagReset arranges for isFinalizing to flip back to
// false after delay, storing the timer handle so Cleanup can cancel it. This
// covers the race window between a metadata ack and an immediate close.
func (s *Session) ScheduleFinalizationFlagReset(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizationTimer != nil {
		s.finalizationTimer.Stop()
	}
	s.finalizationTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.isFinalizing = false
		s.finalizationTimer = nil
		s.mu.Unlock()
	})
}

// StartKeepAlive installs a ticker firing fn every period, replacing any
// previous ticker. Stopped by StopKeepAlive or cleanup().
func (s *Session) StartKeepAlive(period time.Duration, fn func()) {
	s.mu.Lock()
	if s.keepAliveTicker != nil {
		s.keepAliveTicker.Stop()
		close(s.keepAliveStop)
	}
	ticker := time.NewTicker(period)
	stop := make(chan struct{})
	s.keepAliveTicker = ticker
	s.keepAliveStop = stop
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
}

// StopKeepAlive cancels the keepalive ticker if one is running.
func (s *Session) StopKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepAliveTicker != nil {
		s.keepAliveTicker.Stop()
		close(s.keepAliveStop)
		s.keepAliveTicker = nil
		s.keepAliveStop = nil
	}
}

// Duration returns how long the session has existed, for metrics().
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.CreatedAt)
}

// TranscriptByteEstimate is used by metrics() for the memory usage estimate.
func (s *Session) TranscriptByteEstimate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.Len() + len(s.interim)
}

// Cleanup is idempotent and non-throwing: it cancels the keepalive ticker
// and finalization timer, closes the upstream handle best-effort, clears
// the reconnection buffer, and marks the session inactive.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if !s.isActive {
		s.mu.Unlock()
		return
	}
	s.isActive = false

	ticker := s.keepAliveTicker
	stop := s.keepAliveStop
	s.keepAliveTicker = nil
	s.keepAliveStop = nil

	timer := s.finalizationTimer
	s.finalizationTimer = nil

	handle := s.handle
	s.handle = nil

	s.reconnectBuffer = nil
	s.reconnectBufSize = 0
	s.connectionState = StateDisconnected
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
	}
	if timer != nil {
		timer.Stop()
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			s.log.Debug().Err(err).Msg("upstream handle close returned an error during cleanup")
		}
	}
}
