// Package upstream owns the single upstream streaming-transcription
// connection for a session: establishing it, pumping its events into the
// session, running the keepalive ticker, and recovering from transient
// disconnects with bounded audio buffering.
package upstream

import (
	"context"
	"time"
)

// EventKind tags the seven semantic events the upstream provider emits.
type EventKind string

const (
	EventOpen          EventKind = "open"
	EventTranscript    EventKind = "transcript"
	EventMetadata      EventKind = "metadata"
	EventSpeechStarted EventKind = "speechStarted"
	EventUtteranceEnd  EventKind = "utteranceEnd"
	EventClose         EventKind = "close"
	EventError         EventKind = "error"
)

// TranscriptFragment is the payload of an EventTranscript event.
type TranscriptFragment struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// CloseInfo is the payload of an EventClose event.
type CloseInfo struct {
	Code   int
	Reason string
}

// Event is the tagged-variant message pumped from the upstream client into
// the connector's per-session handler.
type Event struct {
	Kind       EventKind
	Transcript TranscriptFragment
	Close      CloseInfo
	Err        error
}

// ConnectParams configures a single connection attempt.
type ConnectParams struct {
	SamplingRate int
	Language     string
	Model        string
}

// Client is the opaque streaming-transcription endpoint contract consumed
// by the connector. The default implementation speaks the provider's wire
// protocol over github.com/coder/websocket; any transport satisfying this
// interface may be substituted (e.g. in tests).
type Client interface {
	// Connect opens the connection and blocks until the provider reports
	// open, the context is done, or ctx's deadline expires.
	Connect(ctx context.Context, params ConnectParams) error

	// Events returns the channel the connector pumps. Closed once the
	// client will emit no further events.
	Events() <-chan Event

	// SendAudio forwards a raw PCM chunk. Non-blocking best-effort.
	SendAudio(chunk []byte) error

	// SendTerminator emits the provider's end-of-stream control frame.
	SendTerminator() error

	// SendKeepAlive emits a provider-specific keepalive frame.
	SendKeepAlive() error

	// Ready reports whether the connection is currently open for writes.
	Ready() bool

	// Close tears down the connection. Safe to call multiple times.
	Close() error
}

// Factory constructs a fresh Client for a new connection attempt. The
// connector calls this once per attempt so a failed dial never reuses a
// half-initialized client.
type Factory func() Client

// Defaults holds the connector's named timing constants.
var Defaults = struct {
	ConnectTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	FinalizeWaitTimeout  time.Duration
	FinalizeFlagHold     time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}{
	ConnectTimeout:       10 * time.Second,
	KeepAlivePeriod:      8 * time.Second,
	FinalizeWaitTimeout:  5 * time.Second,
	FinalizeFlagHold:     100 * time.Millisecond,
	ReconnectBaseDelay:   250 * time.Millisecond,
	ReconnectMaxAttempts: 5,
}
