package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// wireEnvelope is the provider's control-frame shape: every message, request
// or response, carries a "type" discriminator. The terminator frame is
// literally {"type":"CloseStream"}.
type wireEnvelope struct {
	Type string `json:"type"`
}

// wireTranscript mirrors the provider's "first alternative" transcript
// shape.
type wireTranscript struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// DefaultURL is the upstream streaming endpoint. Overridable for tests.
var DefaultURL = "wss://streaming.example-stt.com/v1/listen"

// wsClient is the default Client, speaking the provider's wire protocol
// over github.com/coder/websocket.
type wsClient struct {
	apiKey string
	url    string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	events chan Event

	pumpOnce sync.Once
	ready    atomic.Bool
}

// NewWSClientFactory returns a Factory that dials url with apiKey for
// authentication, captured once at construction time.
func NewWSClientFactory(apiKey, wsURL string) Factory {
	if wsURL == "" {
		wsURL = DefaultURL
	}
	return func() Client {
		return &wsClient{
			apiKey: apiKey,
			url:    wsURL,
			events: make(chan Event, 64),
		}
	}
}

func (c *wsClient) Connect(ctx context.Context, params ConnectParams) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(params.SamplingRate))
	if params.Language != "" {
		q.Set("language", params.Language)
	}
	if params.Model != "" {
		q.Set("model", params.Model)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", c.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to upstream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.ready.Store(true)

	c.pumpOnce.Do(func() {
		go c.pump()
	})

	select {
	case c.events <- Event{Kind: EventOpen}:
	default:
	}

	return nil
}

func (c *wsClient) pump() {
	defer func() {
		if r := recover(); r != nil {
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("pump panic: %v", r)})
		}
		close(c.events)
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			code := websocket.CloseStatus(err)
			c.ready.Store(false)
			if code != -1 {
				c.emit(Event{Kind: EventClose, Close: CloseInfo{Code: int(code)}})
			} else {
				c.emit(Event{Kind: EventError, Err: err})
			}
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to parse upstream message: %w", err)})
			continue
		}

		switch env.Type {
		case "Results":
			var wt wireTranscript
			if err := json.Unmarshal(data, &wt); err != nil {
				c.emit(Event{Kind: EventError, Err: fmt.Errorf("failed to parse transcript: %w", err)})
				continue
			}
			if len(wt.Channel.Alternatives) == 0 {
				continue
			}
			alt := wt.Channel.Alternatives[0]
			c.emit(Event{Kind: EventTranscript, Transcript: TranscriptFragment{
				Text: alt.Transcript, Confidence: alt.Confidence, IsFinal: wt.IsFinal,
			}})
		case "Metadata":
			c.emit(Event{Kind: EventMetadata})
		case "SpeechStarted":
			c.emit(Event{Kind: EventSpeechStarted})
		case "UtteranceEnd":
			c.emit(Event{Kind: EventUtteranceEnd})
		default:
			// Unrecognized control frames are ignored.
		}
	}
}

func (c *wsClient) emit(ev Event) {
	defer func() {
		recover() // events may already be closed during teardown races
	}()
	select {
	case c.events <- ev:
	default:
	}
}

func (c *wsClient) Events() <-chan Event {
	return c.events
}

func (c *wsClient) SendAudio(chunk []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.Write(context.Background(), websocket.MessageBinary, chunk)
}

func (c *wsClient) SendTerminator() error {
	return c.writeJSON(wireEnvelope{Type: "CloseStream"})
}

func (c *wsClient) SendKeepAlive() error {
	return c.writeJSON(wireEnvelope{Type: "KeepAlive"})
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream message: %w", err)
	}
	return conn.Write(context.Background(), websocket.MessageText, data)
}

func (c *wsClient) Ready() bool {
	return c.ready.Load()
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.ready.Store(false)

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}
