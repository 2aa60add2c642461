package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/torteous44/sttrelay/internal/classify"
	"github.com/torteous44/sttrelay/internal/session"
)

// Handlers are the connector's callbacks into the owning session/service,
// one per EventKind the upstream client can emit except EventOpen, which the
// connector handles itself. Each is wrapped with its
// own failure boundary: a panic or error inside one handler is logged and
// never reaches a sibling handler or the pump goroutine itself.
type Handlers struct {
	OnTranscript    func(TranscriptFragment)
	OnMetadata      func()
	OnSpeechStarted func()
	OnUtteranceEnd  func()
	OnClose         func(CloseInfo)
	OnError         func(error)
}

// Connector owns the single upstream connection for one session: dialing,
// the event pump with per-handler failure boundaries, the keepalive ticker,
// and reconnection with exponential backoff and bounded audio buffering.
type Connector struct {
	sess     *session.Session
	factory  Factory
	params   ConnectParams
	handlers Handlers
	log      zerolog.Logger

	client Client
}

// NewConnector builds a Connector bound to sess. factory constructs a fresh
// Client per connection attempt, so a failed dial never reuses a
// half-initialized client.
func NewConnector(sess *session.Session, factory Factory, params ConnectParams, handlers Handlers, log zerolog.Logger) *Connector {
	return &Connector{
		sess:     sess,
		factory:  factory,
		params:   params,
		handlers: handlers,
		log:      log.With().Str("session_id", sess.ID).Logger(),
	}
}

// Connect dials the upstream client, installs it on the session, pumps its
// events, and starts the keepalive ticker. Blocks until connected or
// Defaults.ConnectTimeout elapses.
func (c *Connector) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, Defaults.ConnectTimeout)
	defer cancel()

	client := c.factory()
	if err := client.Connect(ctx, c.params); err != nil {
		c.sess.SetConnectionState(session.StateError)
		return fmt.Errorf("failed to connect to upstream: %w", err)
	}

	c.client = client
	c.sess.SetHandle(client)
	c.sess.SetConnectionState(session.StateConnected)

	go c.pump(client)
	c.sess.StartKeepAlive(Defaults.KeepAlivePeriod, c.sendKeepAlive)

	return nil
}

// pump reads the client's event channel and dispatches to handlers, each
// behind its own failure boundary, until the channel closes.
func (c *Connector) pump(client Client) {
	sawClose := false
	for ev := range client.Events() {
		if ev.Kind == EventClose || ev.Kind == EventError {
			sawClose = true
		}
		c.dispatch(ev)
	}
	// the channel only closes when the client's read loop has permanently
	// stopped; a close/error event should already have been emitted, but if
	// the provider dropped the connection without one, treat it as a close.
	if !sawClose && c.client == client {
		c.dispatch(Event{Kind: EventClose})
	}
}

func (c *Connector) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("event handler panicked")
		}
	}()

	switch ev.Kind {
	case EventOpen:
		c.sess.SetConnectionState(session.StateConnected)
	case EventTranscript:
		if c.handlers.OnTranscript != nil {
			c.handlers.OnTranscript(ev.Transcript)
		}
	case EventMetadata:
		if c.handlers.OnMetadata != nil {
			c.handlers.OnMetadata()
		}
	case EventSpeechStarted:
		if c.handlers.OnSpeechStarted != nil {
			c.handlers.OnSpeechStarted()
		}
	case EventUtteranceEnd:
		if c.handlers.OnUtteranceEnd != nil {
			c.handlers.OnUtteranceEnd()
		}
	case EventClose:
		c.sess.StopKeepAlive()
		c.sess.SetConnectionState(session.StateDisconnected)
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(ev.Close)
		}
		if c.sess.IsFinalizing() {
			// a close arriving while a finalization is in flight must not
			// reconnect; promote any still-pending waiter to the timeout
			// path rather than leaving it attached to the dead connection.
			c.sess.ResolveFinalizationWaiters(session.FinalizationTimeout)
			return
		}
		if c.sess.IsActive() {
			c.reconnect()
		}
	case EventError:
		c.sess.Metrics.Errors++
		if c.handlers.OnError != nil {
			c.handlers.OnError(ev.Err)
		}
		cls := classify.Classify(ev.Err)
		if cls.Kind == classify.KindFatal {
			c.sess.SetConnectionState(session.StateError)
			return
		}
		c.sess.SetConnectionState(session.StateDisconnected)
		if c.sess.IsActive() {
			c.reconnect()
		}
	}
}

// sendKeepAlive is the keepalive ticker callback.
func (c *Connector) sendKeepAlive() {
	if c.client == nil || !c.client.Ready() {
		return
	}
	if err := c.client.SendKeepAlive(); err != nil {
		c.log.Debug().Err(err).Msg("keepalive send failed")
	}
}

// ForwardChunk sends a PCM chunk upstream, buffering it instead if a
// reconnection is currently in flight or the client isn't ready for writes.
func (c *Connector) ForwardChunk(chunk []byte) {
	c.sess.Touch()
	c.sess.Metrics.ChunksReceived++

	if c.sess.IsReconnecting() {
		c.sess.AddToReconnectionBuffer(chunk)
		return
	}

	if c.client == nil || !c.client.Ready() {
		c.sess.AddToReconnectionBuffer(chunk)
		return
	}

	if err := c.client.SendAudio(chunk); err != nil {
		c.sess.Metrics.Errors++
		if c.sess.Metrics.Errors%10 == 0 {
			c.log.Warn().Err(err).Uint64("errors", c.sess.Metrics.Errors).Msg("repeated audio forwarding failures")
		}
		return
	}
	c.sess.Metrics.ChunksForwarded++
}

// SendTerminator emits the provider's end-of-stream frame, the first step of
// the two-phase finalization handshake.
func (c *Connector) SendTerminator() error {
	if c.client == nil {
		return fmt.Errorf("no upstream connection")
	}
	return c.client.SendTerminator()
}

// Close tears down the current client and stops the keepalive ticker.
func (c *Connector) Close() error {
	c.sess.StopKeepAlive()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// reconnect runs the bounded exponential-backoff reconnection loop, flushing
// the buffered audio in FIFO order once a new connection is established.
func (c *Connector) reconnect() {
	c.sess.SetReconnecting(true)
	defer c.sess.SetReconnecting(false)

	start := time.Now()
	c.sess.Metrics.Reconnections++

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = Defaults.ReconnectBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset() // re-seed currentInterval from the InitialInterval set above

	attempt := 0
	for attempt < Defaults.ReconnectMaxAttempts {
		attempt++
		delay := bo.NextBackOff()
		time.Sleep(delay)

		client := c.factory()
		ctx, cancel := context.WithTimeout(context.Background(), Defaults.ConnectTimeout)
		err := client.Connect(ctx, c.params)
		cancel()

		if err == nil {
			c.client = client
			c.sess.SetHandle(client)
			c.sess.SetConnectionState(session.StateConnected)
			c.sess.Metrics.SuccessfulReconnections++
			c.sess.Metrics.TotalDowntimeMs += time.Since(start).Milliseconds()

			go c.pump(client)
			c.sess.StartKeepAlive(Defaults.KeepAlivePeriod, c.sendKeepAlive)

			for _, chunk := range c.sess.FlushReconnectionBuffer() {
				if sendErr := client.SendAudio(chunk); sendErr != nil {
					c.log.Debug().Err(sendErr).Msg("failed to replay buffered chunk after reconnect")
					break
				}
				c.sess.Metrics.ChunksForwarded++
			}
			return
		}

		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")
	}

	c.sess.Metrics.FailedReconnections++
	c.sess.Metrics.TotalDowntimeMs += time.Since(start).Milliseconds()
	c.sess.SetConnectionState(session.StateDisconnected)
	c.sess.ClearReconnectionBuffer()
	if c.handlers.OnError != nil {
		c.handlers.OnError(fmt.Errorf("exhausted %d reconnection attempts", Defaults.ReconnectMaxAttempts))
	}
}
