package sttservice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/torteous44/sttrelay/internal/session"
	"github.com/torteous44/sttrelay/internal/upstream"
)

// fakeUpstreamClient is a scripted upstream.Client test double giving each
// test direct control over when transcript/metadata/close events land.
type fakeUpstreamClient struct {
	mu     sync.Mutex
	events chan upstream.Event
	ready  bool
	closed bool
}

func newFakeUpstreamClient() *fakeUpstreamClient {
	return &fakeUpstreamClient{events: make(chan upstream.Event, 32)}
}

func (f *fakeUpstreamClient) Connect(ctx context.Context, params upstream.ConnectParams) error {
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	return nil
}
func (f *fakeUpstreamClient) Events() <-chan upstream.Event { return f.events }
func (f *fakeUpstreamClient) SendAudio(chunk []byte) error  { return nil }
func (f *fakeUpstreamClient) SendTerminator() error         { return nil }
func (f *fakeUpstreamClient) SendKeepAlive() error          { return nil }
func (f *fakeUpstreamClient) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}
func (f *fakeUpstreamClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.ready = false
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstreamClient) deliverMetadata() {
	f.events <- upstream.Event{Kind: upstream.EventMetadata}
}

func (f *fakeUpstreamClient) deliverClose(code int) {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
	f.events <- upstream.Event{Kind: upstream.EventClose, Close: upstream.CloseInfo{Code: code}}
}

func newTestService(t *testing.T, client *fakeUpstreamClient) *Service {
	t.Helper()
	return New(Config{APIKey: "test-key"}, func() upstream.Client { return client }, zerolog.Nop())
}

func TestScenario1_HappyFinalization(t *testing.T) {
	client := newFakeUpstreamClient()
	svc := newTestService(t, client)

	sess, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000, Language: "en-US"})
	require.NoError(t, err)

	sess.AddTranscript("Hello", 0.95, true)
	sess.AddTranscript("world", 0.92, true)

	resultCh := make(chan string, 1)
	go func() { resultCh <- svc.FinalizeTranscript("S") }()

	time.Sleep(5 * time.Millisecond)
	client.deliverMetadata()

	select {
	case got := <-resultCh:
		require.Equal(t, "Hello world", got)
	case <-time.After(time.Second):
		t.Fatal("finalizeTranscript did not return")
	}

	m, ok := svc.SessionMetrics("S")
	require.True(t, ok)
	require.Equal(t, session.FinalizationEvent, m.Metrics.FinalizationMethod)
	require.NotNil(t, sess.Handle())
}

func TestScenario2_TimeoutFallback(t *testing.T) {
	orig := upstream.Defaults.FinalizeWaitTimeout
	upstream.Defaults.FinalizeWaitTimeout = 20 * time.Millisecond
	defer func() { upstream.Defaults.FinalizeWaitTimeout = orig }()

	client := newFakeUpstreamClient()
	svc := newTestService(t, client)
	sess, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)

	sess.AddTranscript("Hello", 0.95, true)
	sess.AddTranscript("world", 0.92, true)

	got := svc.FinalizeTranscript("S")
	require.Equal(t, "Hello world", got)

	m, ok := svc.SessionMetrics("S")
	require.True(t, ok)
	require.Equal(t, session.FinalizationTimeout, m.Metrics.FinalizationMethod)
}

func TestScenario3_CloseRaceDuringFinalizationWindow(t *testing.T) {
	client := newFakeUpstreamClient()
	svc := newTestService(t, client)
	sess, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)

	sess.AddTranscript("race test", 0.95, true)

	resultCh := make(chan string, 1)
	go func() { resultCh <- svc.FinalizeTranscript("S") }()

	time.Sleep(5 * time.Millisecond)
	client.deliverMetadata()

	var got string
	select {
	case got = <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("finalizeTranscript did not return")
	}
	require.Equal(t, "race test", got)

	time.Sleep(3 * time.Millisecond)
	client.deliverClose(1000)

	// within the 100ms deferred-reset window the close must not trigger a
	// reconnection attempt (no state flip to connecting/reconnecting).
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, session.StateDisconnected, sess.ConnectionState())
}

func TestScenario4_BoundedBufferEviction(t *testing.T) {
	client := newFakeUpstreamClient()
	svc := newTestService(t, client)
	sess, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)

	sess.SetReconnecting(true)

	a := make([]byte, 15*1024)
	b := make([]byte, 15*1024)
	c := make([]byte, 3*1024)

	svc.ForwardChunk("S", a)
	svc.ForwardChunk("S", b)
	svc.ForwardChunk("S", c)

	flushed := sess.FlushReconnectionBuffer()
	require.Len(t, flushed, 2)
	require.Equal(t, len(b), len(flushed[0]))
	require.Equal(t, len(c), len(flushed[1]))
}

func TestScenario5_MultiTurnPersistence(t *testing.T) {
	client := newFakeUpstreamClient()
	svc := newTestService(t, client)
	sess, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)

	handleBefore := sess.Handle()

	sess.AddTranscript("first", 0.9, true)
	go client.deliverMetadata()
	require.Eventually(t, func() bool { return svc.Metrics().TotalSessionsCreated == 1 }, time.Second, time.Millisecond)
	first := svc.FinalizeTranscript("S")
	require.Equal(t, "first", first)

	sess.AddTranscript("second", 0.9, true)
	go client.deliverMetadata()
	second := svc.FinalizeTranscript("S")
	require.Equal(t, "second", second)

	require.Equal(t, handleBefore, sess.Handle())
	require.Equal(t, uint64(1), svc.Metrics().TotalSessionsCreated)
}

func TestCreateSession_RejectsOutOfRangeSamplingRate(t *testing.T) {
	svc := newTestService(t, newFakeUpstreamClient())
	_, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 1000})
	require.Error(t, err)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, KindInvalidArgument, svcErr.Kind)
}

func TestCreateSession_RejectsEmptySessionID(t *testing.T) {
	svc := newTestService(t, newFakeUpstreamClient())
	_, err := svc.CreateSession(context.Background(), "", "conn-1", session.Config{SamplingRate: 16000})
	require.Error(t, err)
}

func TestEndSession_ReturnsSnapshotAndRemovesSession(t *testing.T) {
	client := newFakeUpstreamClient()
	svc := newTestService(t, client)
	sess, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)
	sess.AddTranscript("leftover", 0.9, true)

	snapshot := svc.EndSession("S")
	require.Equal(t, "leftover", snapshot)
	require.False(t, sess.IsActive())

	_, ok := svc.SessionMetrics("S")
	require.False(t, ok)
}

func TestShutdown_RejectsNewSessionsAndTearsDownExisting(t *testing.T) {
	client := newFakeUpstreamClient()
	svc := newTestService(t, client)
	_, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)

	svc.Shutdown(ShutdownOptions{})

	require.Equal(t, 0, svc.Metrics().ActiveSessions)

	_, err = svc.CreateSession(context.Background(), "S2", "conn-2", session.Config{SamplingRate: 16000})
	require.Error(t, err)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, KindServiceUnavailable, svcErr.Kind)
}

func TestShutdown_RestartReenablesService(t *testing.T) {
	svc := newTestService(t, newFakeUpstreamClient())
	svc.Shutdown(ShutdownOptions{Restart: true})

	_, err := svc.CreateSession(context.Background(), "S", "conn-1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)
}

func TestIsHealthy_FalseWithoutAPIKey(t *testing.T) {
	svc := New(Config{}, func() upstream.Client { return newFakeUpstreamClient() }, zerolog.Nop())
	require.False(t, svc.IsHealthy())
}

func TestMetrics_PeakConcurrentSessionsNeverDecreases(t *testing.T) {
	client1 := newFakeUpstreamClient()
	client2 := newFakeUpstreamClient()
	calls := 0
	svc := New(Config{APIKey: "k"}, func() upstream.Client {
		calls++
		if calls == 1 {
			return client1
		}
		return client2
	}, zerolog.Nop())

	_, err := svc.CreateSession(context.Background(), "S1", "c1", session.Config{SamplingRate: 16000})
	require.NoError(t, err)
	_, err = svc.CreateSession(context.Background(), "S2", "c2", session.Config{SamplingRate: 16000})
	require.NoError(t, err)
	require.Equal(t, uint64(2), svc.Metrics().PeakConcurrentSessions)

	svc.EndSession("S1")
	svc.EndSession("S2")
	require.Equal(t, uint64(2), svc.Metrics().PeakConcurrentSessions, "peak must not decrease after sessions end")
}
