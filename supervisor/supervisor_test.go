package supervisor

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsfeed/codec"
	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/metric"
	"github.com/c360/wsfeed/pkg/retry"
	"github.com/c360/wsfeed/transport"
	"github.com/c360/wsfeed/transport/transporttest"
)

const waitTimeout = 2 * time.Second

// recorder is a Sink that keeps every event and signals each one on a channel
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
	onEmit func(Event, *PendingReply)
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 256)}
}

func (r *recorder) Emit(e Event, reply *PendingReply) {
	if r.onEmit != nil {
		r.onEmit(e, reply)
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

type fakeResolver struct {
	mu          sync.Mutex
	headers     map[string]string
	err         error
	profiles    []string
	invalidated int
}

func (f *fakeResolver) ResolveHeaders(_ context.Context, profile string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, profile)
	return f.headers, f.err
}

func (f *fakeResolver) Invalidate(string) {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeResolver) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://feed.test/stream"
	cfg.HeartbeatPayload = ""
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) (*Supervisor, *recorder, *transporttest.Dialer) {
	t.Helper()
	rec := newRecorder()
	dialer := transporttest.NewDialer()
	all := append([]Option{WithDialer(dialer), WithLogger(discardLogger()), WithName("feed")}, opts...)
	sup, err := New(cfg, rec, all...)
	require.NoError(t, err)
	t.Cleanup(sup.Shutdown)
	return sup, rec, dialer
}

func waitRun(t *testing.T, sup *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := sup.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not end")
	return err
}

func waitSent(t *testing.T, conn *transporttest.Conn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.Sent()) >= n },
		waitTimeout, 2*time.Millisecond, "expected %d sends", n)
}

// =============================================================================
// Connection lifecycle
// =============================================================================

func TestSupervisor_OpenMessageClose(t *testing.T) {
	cfg := testConfig()
	cfg.InitPayload = "HELLO"
	cfg.MaxAttempts = 0

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	open := rec.next(t)
	assert.Equal(t, EventOpen, open.Kind)
	assert.Equal(t, 0, open.Attempt)
	assert.NotEmpty(t, open.ID)

	waitSent(t, conn, 1)
	assert.Equal(t, []string{"HELLO"}, conn.Sent())

	conn.PushText("hi")
	msg := rec.next(t)
	assert.Equal(t, EventMessage, msg.Kind)
	require.NotNil(t, msg.Payload)
	assert.Equal(t, codec.ModeText, msg.Payload.Mode)
	assert.Equal(t, "hi", msg.Payload.Text)
	assert.NoError(t, msg.Err)

	conn.PeerClose(transport.CloseNormal, "bye")
	cl := rec.next(t)
	assert.Equal(t, EventClose, cl.Kind)
	assert.Equal(t, transport.CloseNormal, cl.Code)
	assert.Equal(t, "bye", cl.Reason)
	assert.False(t, cl.Local)

	err := waitRun(t, sup)
	assert.ErrorIs(t, err, errors.ErrReconnectLimitExceeded)
	assert.ErrorIs(t, err, errors.ErrPeerClose)
	assert.True(t, errors.IsFatal(err))

	assert.Equal(t, 1, dialer.Dials())
	assert.Len(t, rec.all(), 3)
}

func TestSupervisor_ReconnectLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2

	sup, rec, dialer := newTestSupervisor(t, cfg)
	dialer.FailAll(stderrors.New("connection refused"))
	require.NoError(t, sup.Start(context.Background()))

	err := waitRun(t, sup)
	assert.ErrorIs(t, err, errors.ErrReconnectLimitExceeded)
	assert.ErrorIs(t, err, errors.ErrConnect)
	assert.Equal(t, 3, dialer.Dials())

	events := rec.all()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, EventError, e.Kind)
		assert.Equal(t, i, e.Attempt)
		assert.ErrorIs(t, e.Err, errors.ErrConnect)
		assert.True(t, errors.IsTransient(e.Err))
	}

	assert.False(t, sup.State().Running)
	assert.Equal(t, err, sup.Err())
}

func TestSupervisor_ReconnectLimitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("a failing run makes exactly maxAttempts+1 attempts", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := testConfig()
			cfg.MaxAttempts = maxAttempts

			dialer := transporttest.NewDialer()
			dialer.FailAll(stderrors.New("connection refused"))
			rec := newRecorder()
			sup, err := New(cfg, rec, WithDialer(dialer), WithLogger(discardLogger()))
			if err != nil {
				return false
			}
			defer sup.Shutdown()

			if err := sup.Start(context.Background()); err != nil {
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			runErr := sup.Wait(ctx)

			return stderrors.Is(runErr, errors.ErrReconnectLimitExceeded) &&
				dialer.Dials() == maxAttempts+1 &&
				len(rec.all()) == maxAttempts+1
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestSupervisor_ReconnectsAfterPeerClose(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	sup, rec, dialer := newTestSupervisor(t, cfg)
	first := dialer.Accept()
	second := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	first.PeerClose(transport.CloseGoingAway, "restarting")
	assert.Equal(t, EventClose, rec.next(t).Kind)

	open := rec.next(t)
	assert.Equal(t, EventOpen, open.Kind)
	assert.Equal(t, 1, open.Attempt)

	second.PushText("again")
	msg := rec.next(t)
	assert.Equal(t, 1, msg.Attempt)
	assert.Equal(t, "again", msg.Payload.Text)

	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())
}

func TestSupervisor_ReceiveFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 0

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.Fail(stderrors.New("read: connection reset by peer"))
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	evt := rec.next(t)
	assert.Equal(t, EventError, evt.Kind)
	assert.ErrorIs(t, evt.Err, errors.ErrTransport)

	err := waitRun(t, sup)
	assert.ErrorIs(t, err, errors.ErrReconnectLimitExceeded)
	assert.True(t, conn.Aborted())
}

// =============================================================================
// Heartbeat
// =============================================================================

func TestSupervisor_HeartbeatStopsOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatPayload = "ping"
	cfg.HeartbeatInterval = 5 * time.Millisecond

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	waitSent(t, conn, 2)
	assert.True(t, sup.State().HeartbeatActive)

	sup.Shutdown()
	sent := len(conn.Sent())
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, sent, len(conn.Sent()), "heartbeat kept sending after shutdown")
	assert.Zero(t, conn.LateSends())
	assert.True(t, conn.Aborted())
	assert.False(t, sup.State().HeartbeatActive)
	for _, payload := range conn.Sent() {
		assert.Equal(t, "ping", payload)
	}

	// An aborted attempt emits nothing
	assert.Len(t, rec.all(), 1)
}

func TestSupervisor_HeartbeatFailureEndsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatPayload = "ping"
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.MaxAttempts = 0

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.FailSends(stderrors.New("broken pipe"))
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	evt := rec.next(t)
	assert.Equal(t, EventError, evt.Kind)
	assert.ErrorIs(t, evt.Err, errors.ErrTransport)

	assert.ErrorIs(t, waitRun(t, sup), errors.ErrReconnectLimitExceeded)
	assert.True(t, conn.IsClosed())
}

// waitBlocked waits until conn has a Send hanging on an unread socket
func waitBlocked(t *testing.T, conn *transporttest.Conn) {
	t.Helper()
	select {
	case <-conn.SendBlocked():
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a blocked send")
	}
}

func TestSupervisor_ShutdownWithBlockedHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatPayload = "ping"
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.WriteTimeout = time.Hour

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.BlockSends()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	waitBlocked(t, conn)

	done := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Shutdown waited on a blocked heartbeat write")
	}

	assert.True(t, conn.Aborted())
	assert.Zero(t, conn.LateSends())
	assert.False(t, sup.State().HeartbeatActive)
	assert.Len(t, rec.all(), 1)
}

func TestSupervisor_PeerCloseWithBlockedWriteReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.InitPayload = "HELLO"
	cfg.WriteTimeout = time.Hour
	cfg.MaxAttempts = 1

	sup, rec, dialer := newTestSupervisor(t, cfg)
	first := dialer.Accept()
	first.BlockSends()
	second := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	waitBlocked(t, first)
	first.PeerClose(transport.CloseGoingAway, "restart")

	cl := rec.next(t)
	assert.Equal(t, EventClose, cl.Kind)
	assert.Equal(t, 0, cl.Attempt)

	reopened := rec.next(t)
	assert.Equal(t, EventOpen, reopened.Kind)
	assert.Equal(t, 1, reopened.Attempt)
	waitSent(t, second, 1)
	assert.Equal(t, []string{"HELLO"}, second.Sent())
	assert.True(t, first.Aborted())
}

func TestSupervisor_WriteTimeoutEndsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatPayload = "ping"
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.WriteTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 0

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.BlockSends()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	evt := rec.next(t)
	assert.Equal(t, EventError, evt.Kind)
	assert.ErrorIs(t, evt.Err, errors.ErrTransport)
	assert.ErrorIs(t, evt.Err, context.DeadlineExceeded)

	assert.ErrorIs(t, waitRun(t, sup), errors.ErrReconnectLimitExceeded)
	assert.True(t, conn.Aborted())
}

func TestSupervisor_NoHeartbeatWithoutPayload(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Millisecond

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.Sent())
	assert.False(t, sup.State().HeartbeatActive)
}

// =============================================================================
// Decoding
// =============================================================================

func TestSupervisor_DecodeErrorKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeMode = codec.ModeStructured

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.PushText("{not json")
	conn.PushText(`{"price":42}`)
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)

	bad := rec.next(t)
	assert.Equal(t, EventMessage, bad.Kind)
	assert.ErrorIs(t, bad.Err, errors.ErrDecode)
	require.NotNil(t, bad.Payload)
	assert.Equal(t, "{not json", bad.Payload.Text)

	good := rec.next(t)
	assert.Equal(t, EventMessage, good.Kind)
	assert.NoError(t, good.Err)
	assert.Equal(t, map[string]any{"price": float64(42)}, good.Payload.Value)

	assert.False(t, conn.IsClosed())
	assert.Equal(t, 1, dialer.Dials())
	assert.Equal(t, PhaseOpen, sup.State().Phase)
}

func TestSupervisor_BinaryMode(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeMode = codec.ModeBinary

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.PushBinary([]byte("%PDF-1.4\n"))
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	msg := rec.next(t)
	require.NotNil(t, msg.Payload.Binary)
	assert.Equal(t, "application/pdf", msg.Payload.Binary.MimeType)
	assert.Equal(t, 9, msg.Payload.Binary.FileSize)
}

// =============================================================================
// Manual mode
// =============================================================================

func TestSupervisor_ManualModeCapturesOneMessage(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionMode = ModeManual
	cfg.MaxAttempts = 3

	sup, rec, dialer := newTestSupervisor(t, cfg)
	conn := dialer.Accept()
	conn.PushText("one")
	conn.PushText("two")
	require.NoError(t, sup.Start(context.Background()))

	assert.NoError(t, waitRun(t, sup))

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, EventOpen, events[0].Kind)
	assert.Equal(t, EventMessage, events[1].Kind)
	assert.Equal(t, "one", events[1].Payload.Text)
	assert.Equal(t, EventClose, events[2].Kind)
	assert.Equal(t, transport.CloseAbnormal, events[2].Code)
	assert.True(t, events[2].Local)

	assert.True(t, conn.Aborted())
	assert.Equal(t, 1, dialer.Dials())
	assert.True(t, sup.Health().IsHealthy())
}

// =============================================================================
// Duplex replies
// =============================================================================

func TestSupervisor_ReplyInsideOpenFollowsInit(t *testing.T) {
	cfg := testConfig()
	cfg.InitPayload = "HELLO"
	cfg.Duplex = true

	results := make(chan ReplyResult, 1)
	sup, rec, dialer := newTestSupervisor(t, cfg)
	rec.onEmit = func(e Event, reply *PendingReply) {
		if e.Kind == EventOpen {
			results <- reply.Fulfill("ack")
		}
	}
	conn := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventOpen, rec.next(t).Kind)
	assert.Equal(t, ReplySent, <-results)
	assert.Equal(t, []string{"HELLO", "ack"}, conn.Sent())
}

func TestSupervisor_ReplyIsSingleUse(t *testing.T) {
	cfg := testConfig()
	cfg.Duplex = true

	replies := make(chan *PendingReply, 4)
	sup, rec, dialer := newTestSupervisor(t, cfg)
	rec.onEmit = func(e Event, reply *PendingReply) {
		if e.Kind == EventMessage {
			replies <- reply
		}
	}
	conn := dialer.Accept()
	conn.PushText("question")
	require.NoError(t, sup.Start(context.Background()))

	rec.next(t)
	msg := rec.next(t)
	reply := <-replies
	require.NotNil(t, reply)
	assert.Equal(t, msg.ID, reply.EventID())
	assert.Equal(t, 0, reply.Attempt())
	assert.NotEmpty(t, reply.ID())

	assert.Equal(t, ReplySent, reply.Fulfill("answer"))
	assert.Equal(t, ReplyAlreadyFulfilled, reply.Fulfill("again"))
	assert.Equal(t, []string{"answer"}, conn.Sent())
}

func TestSupervisor_ReplyAfterCloseIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Duplex = true
	cfg.MaxAttempts = 1

	replies := make(chan *PendingReply, 4)
	sup, rec, dialer := newTestSupervisor(t, cfg)
	rec.onEmit = func(e Event, reply *PendingReply) {
		if e.Kind == EventMessage {
			replies <- reply
		}
	}
	first := dialer.Accept()
	second := dialer.Accept()
	first.PushText("question")
	require.NoError(t, sup.Start(context.Background()))

	rec.next(t)
	rec.next(t)
	reply := <-replies

	first.PeerClose(transport.CloseNormal, "")
	assert.Equal(t, EventClose, rec.next(t).Kind)
	assert.Equal(t, 1, rec.next(t).Attempt)

	select {
	case <-reply.Done():
	case <-time.After(waitTimeout):
		t.Fatal("reply was not marked done after close")
	}

	assert.Equal(t, ReplyDropped, reply.Fulfill("late answer"))
	assert.Equal(t, ReplyAlreadyFulfilled, reply.Fulfill("late answer"))
	assert.Empty(t, first.Sent())
	assert.Empty(t, second.Sent(), "reply leaked onto a newer connection")
	assert.Zero(t, first.LateSends())
}

func TestSupervisor_NoReplyWithoutDuplex(t *testing.T) {
	cfg := testConfig()

	var mu sync.Mutex
	var got []*PendingReply
	sup, rec, dialer := newTestSupervisor(t, cfg)
	rec.onEmit = func(_ Event, reply *PendingReply) {
		mu.Lock()
		got = append(got, reply)
		mu.Unlock()
	}
	conn := dialer.Accept()
	conn.PushText("x")
	require.NoError(t, sup.Start(context.Background()))

	rec.next(t)
	rec.next(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Nil(t, got[0])
	assert.Nil(t, got[1])

	var nilReply *PendingReply
	assert.Equal(t, ReplyDropped, nilReply.Fulfill("x"))
}

// =============================================================================
// Credentials and headers
// =============================================================================

func TestSupervisor_CredentialHeadersWin(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialProfile = "feed-login"
	cfg.Headers = []Header{
		{Name: "X-Feed", Value: "1"},
		{Name: "Cookie", Value: "stale"},
		{Name: "", Value: "ignored"},
		{Name: "X-Feed", Value: "2"},
	}
	resolver := &fakeResolver{headers: map[string]string{"Cookie": "session=abc"}}

	sup, rec, dialer := newTestSupervisor(t, cfg, WithCredentials(resolver))
	dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, EventOpen, rec.next(t).Kind)

	records := dialer.Records()
	require.Len(t, records, 1)
	assert.Equal(t, cfg.URL, records[0].URL)
	assert.Equal(t, "session=abc", records[0].Header.Get("Cookie"))
	assert.Equal(t, "2", records[0].Header.Get("X-Feed"))
	assert.Len(t, records[0].Header, 2)
	assert.Equal(t, []string{"feed-login"}, resolver.profiles)
}

func TestSupervisor_CredentialFailureIsConnectFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialProfile = "feed-login"
	cfg.MaxAttempts = 1
	resolver := &fakeResolver{err: stderrors.New("login rejected")}

	sup, rec, dialer := newTestSupervisor(t, cfg, WithCredentials(resolver))
	require.NoError(t, sup.Start(context.Background()))

	err := waitRun(t, sup)
	assert.ErrorIs(t, err, errors.ErrReconnectLimitExceeded)
	assert.ErrorIs(t, err, errors.ErrConnect)
	assert.Zero(t, dialer.Dials())
	assert.Equal(t, 2, resolver.invalidations())

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Contains(t, events[0].Err.Error(), "login rejected")
}

func TestNew_ProfileWithoutResolver(t *testing.T) {
	cfg := testConfig()
	cfg.CredentialProfile = "feed-login"

	_, err := New(cfg, newRecorder())
	assert.ErrorIs(t, err, errors.ErrNoCredential)
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, newRecorder())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(testConfig(), nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

// =============================================================================
// Shutdown and restart
// =============================================================================

func TestSupervisor_ShutdownDuringDial(t *testing.T) {
	sup, rec, dialer := newTestSupervisor(t, testConfig())
	require.NoError(t, sup.Start(context.Background()))

	select {
	case <-dialer.Dialed():
	case <-time.After(waitTimeout):
		t.Fatal("dial never started")
	}

	sup.Shutdown()

	select {
	case <-sup.Done():
	default:
		t.Fatal("Done not closed after Shutdown returned")
	}
	assert.Empty(t, rec.all())
	assert.ErrorIs(t, sup.Err(), errors.ErrShutdownRequested)
	assert.Equal(t, 1, dialer.Dials())
	assert.True(t, sup.Health().IsUnhealthy())
}

func TestSupervisor_ConcurrentShutdown(t *testing.T) {
	sup, rec, dialer := newTestSupervisor(t, testConfig())
	dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))
	rec.next(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Shutdown()
		}()
	}
	wg.Wait()

	assert.ErrorIs(t, sup.Err(), errors.ErrShutdownRequested)
	assert.Len(t, rec.all(), 1)
}

func TestSupervisor_RequestShutdownFromSink(t *testing.T) {
	cfg := testConfig()

	var sup *Supervisor
	rec := newRecorder()
	rec.onEmit = func(e Event, _ *PendingReply) {
		if e.Kind == EventMessage {
			sup.RequestShutdown()
		}
	}
	dialer := transporttest.NewDialer()
	conn := dialer.Accept()
	conn.PushText("stop")

	var err error
	sup, err = New(cfg, rec, WithDialer(dialer), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	select {
	case <-sup.Done():
	case <-time.After(waitTimeout):
		t.Fatal("supervisor did not stop")
	}
	assert.True(t, conn.Aborted())
	assert.Len(t, rec.all(), 2)
}

func TestSupervisor_ContextCancelShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup, rec, dialer := newTestSupervisor(t, testConfig())
	conn := dialer.Accept()
	require.NoError(t, sup.Start(ctx))
	rec.next(t)

	cancel()

	select {
	case <-sup.Done():
	case <-time.After(waitTimeout):
		t.Fatal("supervisor did not stop on context cancel")
	}
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, sup.Err(), errors.ErrShutdownRequested)
}

func TestSupervisor_ShutdownBeforeStart(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, testConfig())
	sup.Shutdown()
	sup.Shutdown()

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrShutdownRequested)
}

func TestSupervisor_StartTwice(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, testConfig())
	require.NoError(t, sup.Start(context.Background()))

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestSupervisor_RestartResetsOrdinal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3

	sup, rec, dialer := newTestSupervisor(t, cfg)
	assert.ErrorIs(t, sup.Restart(), errors.ErrNotStarted)

	dialer.Fail(stderrors.New("connection refused"))
	first := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventError, rec.next(t).Kind)
	open := rec.next(t)
	assert.Equal(t, EventOpen, open.Kind)
	assert.Equal(t, 1, open.Attempt)

	second := dialer.Accept()
	require.NoError(t, sup.Restart())

	reopened := rec.next(t)
	assert.Equal(t, EventOpen, reopened.Kind)
	assert.Equal(t, 0, reopened.Attempt)

	assert.True(t, first.Aborted())
	assert.False(t, second.IsClosed())
	assert.Equal(t, 3, dialer.Dials())
	assert.Len(t, rec.all(), 3, "restart must not emit a close for the aborted attempt")

	sup.Shutdown()
	assert.ErrorIs(t, sup.Restart(), errors.ErrShutdownRequested)
}

// =============================================================================
// Backoff
// =============================================================================

func TestSupervisor_BackoffPacesReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.Backoff = &retry.Config{InitialDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 1}

	sup, _, dialer := newTestSupervisor(t, cfg)
	dialer.FailAll(stderrors.New("connection refused"))

	start := time.Now()
	require.NoError(t, sup.Start(context.Background()))
	assert.ErrorIs(t, waitRun(t, sup), errors.ErrReconnectLimitExceeded)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 3, dialer.Dials())
}

func TestSupervisor_ShutdownDuringBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = &retry.Config{InitialDelay: time.Hour, MaxDelay: time.Hour}

	sup, rec, dialer := newTestSupervisor(t, cfg)
	dialer.FailAll(stderrors.New("connection refused"))
	require.NoError(t, sup.Start(context.Background()))

	assert.Equal(t, EventError, rec.next(t).Kind)

	done := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Shutdown blocked on backoff")
	}
	assert.Equal(t, 1, dialer.Dials())
}

// =============================================================================
// Send, state and health
// =============================================================================

func TestSupervisor_Send(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 0

	sup, rec, dialer := newTestSupervisor(t, cfg)
	assert.ErrorIs(t, sup.Send(context.Background(), "early"), errors.ErrNoConnection)

	conn := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))
	rec.next(t)

	require.NoError(t, sup.Send(context.Background(), `{"op":"subscribe"}`))
	assert.Equal(t, []string{`{"op":"subscribe"}`}, conn.Sent())

	conn.PeerClose(transport.CloseNormal, "")
	rec.next(t)
	waitRun(t, sup)

	err := sup.Send(context.Background(), "late")
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Zero(t, conn.LateSends())
}

func TestSupervisor_HealthFollowsPhase(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 0

	sup, rec, dialer := newTestSupervisor(t, cfg)
	assert.True(t, sup.Health().IsUnhealthy())

	conn := dialer.Accept()
	require.NoError(t, sup.Start(context.Background()))
	rec.next(t)

	h := sup.Health()
	assert.True(t, h.IsHealthy())
	assert.Equal(t, "feed", h.Component)

	conn.PushText("m")
	rec.next(t)
	st := sup.State()
	assert.Equal(t, int64(1), st.MessagesReceived)
	assert.Equal(t, int64(1), st.AttemptsTotal)
	assert.False(t, st.LastActivity.IsZero())

	conn.PeerClose(transport.CloseNormal, "")
	rec.next(t)
	waitRun(t, sup)

	assert.True(t, sup.Health().IsUnhealthy())
	assert.Equal(t, PhaseIdle, sup.State().Phase)
}

func TestSupervisor_SinkPanicIsContained(t *testing.T) {
	sup, rec, dialer := newTestSupervisor(t, testConfig())
	rec.onEmit = func(e Event, _ *PendingReply) {
		if e.Kind == EventOpen {
			panic("sink exploded")
		}
	}
	conn := dialer.Accept()
	conn.PushText("still here")
	require.NoError(t, sup.Start(context.Background()))

	msg := rec.next(t)
	assert.Equal(t, EventMessage, msg.Kind)
	assert.Equal(t, "still here", msg.Payload.Text)
}

func TestSupervisor_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	cfg := testConfig()
	cfg.MaxAttempts = 1

	sup, _, dialer := newTestSupervisor(t, cfg, WithMetrics(registry))
	dialer.FailAll(stderrors.New("connection refused"))
	require.NoError(t, sup.Start(context.Background()))
	waitRun(t, sup)

	assert.Equal(t, 2.0, promtest.ToFloat64(sup.metrics.attemptsTotal.WithLabelValues("feed")))
	assert.Equal(t, 2.0, promtest.ToFloat64(sup.metrics.eventsTotal.WithLabelValues("feed", "error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(sup.metrics.reconnectLimitHits.WithLabelValues("feed")))
	assert.Equal(t, 2.0, promtest.ToFloat64(registry.CoreMetrics().ErrorsTotal.WithLabelValues("feed", "transient")))

	// A second supervisor on the same registry shares the collectors
	other, err := New(cfg, newRecorder(), WithMetrics(registry), WithName("other"),
		WithDialer(transporttest.NewDialer()), WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.Same(t, sup.metrics.attemptsTotal, other.metrics.attemptsTotal)
}
