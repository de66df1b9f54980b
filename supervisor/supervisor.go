package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/metric"
	"github.com/c360/wsfeed/transport"
)

// CredentialResolver returns the headers for a named credential profile. It is
// called once per attempt, before the dial, under the connect timeout.
type CredentialResolver interface {
	ResolveHeaders(ctx context.Context, profile string) (map[string]string, error)
}

// CredentialInvalidator is implemented by resolvers that cache; the supervisor drops
// the cached credential after a failed connect so the next attempt fetches a fresh one.
type CredentialInvalidator interface {
	Invalidate(profile string)
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithDialer replaces the default gorilla/websocket dialer
func WithDialer(d transport.Dialer) Option {
	return func(s *Supervisor) { s.dialer = d }
}

// WithCredentials sets the resolver used for Config.CredentialProfile
func WithCredentials(r CredentialResolver) Option {
	return func(s *Supervisor) { s.creds = r }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics registers supervisor metrics in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Supervisor) { s.registry = registry }
}

// WithName names the supervisor in logs, metrics and health output
func WithName(name string) Option {
	return func(s *Supervisor) { s.name = name }
}

type attemptHandle struct {
	ordinal int
	cancel  context.CancelFunc
	report  chan outcome
}

// runState is one run: a sequence of attempts starting at ordinal 0
type runState struct {
	ended chan struct{}
	err   error // written before ended is closed
}

func newRunState() *runState {
	return &runState{ended: make(chan struct{})}
}

// Supervisor orchestrates a sequence of connection attempts. A single loop goroutine
// owns every decision; attempts report to it over channels.
type Supervisor struct {
	cfg      Config
	sink     Sink
	dialer   transport.Dialer
	creds    CredentialResolver
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *Metrics
	name     string

	restartCh    chan struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
	loopDone     chan struct{}
	stopped      chan struct{}
	attempts     sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool

	run  atomic.Pointer[runState]
	live atomic.Pointer[liveConn]
	obs  observer
}

// New validates cfg and creates a supervisor that emits into sink
func New(cfg Config, sink Sink, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: sink", errors.ErrMissingConfig),
			"Supervisor", "New", "check sink")
	}

	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		sink:      sink,
		name:      "supervisor",
		restartCh: make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.CredentialProfile != "" && s.creds == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: profile %q has no resolver", errors.ErrNoCredential, s.cfg.CredentialProfile),
			"Supervisor", "New", "check credentials")
	}
	if s.dialer == nil {
		gd := transport.NewGorillaDialer()
		gd.HandshakeTimeout = s.cfg.ConnectTimeout
		s.dialer = gd
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", s.name)
	s.metrics = newMetrics(s.registry, s.name)

	return s, nil
}

// Name returns the supervisor's name
func (s *Supervisor) Name() string { return s.name }

// Start begins attempt 0 and returns without waiting for the connection. Cancelling
// ctx has the same effect as RequestShutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.shutdownRequested() {
		return errors.WrapFatal(errors.ErrShutdownRequested, "Supervisor", "Start", "start")
	}
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "Start", "start")
	}
	s.started = true
	s.obs.startedAt.Store(time.Now().UnixNano())

	run := newRunState()
	s.run.Store(run)
	s.obs.running.Store(true)

	s.logger.Info("Supervisor starting",
		"url", s.cfg.URL,
		"max_attempts", s.cfg.MaxAttempts,
		"mode", s.cfg.ExecutionMode,
		"decode", s.cfg.DecodeMode,
		"duplex", s.cfg.Duplex)

	go s.loop(ctx, run)
	go func() {
		<-s.loopDone
		s.attempts.Wait()
		close(s.stopped)
	}()
	return nil
}

// RequestShutdown forbids any further attempt and aborts the live one without
// waiting. It is idempotent and safe to call from a Sink.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

// Shutdown forbids any further attempt, aborts the live one (cancelling an in-flight
// dial) and waits until no attempt is running. No events are emitted after it returns.
// It is idempotent and safe before Start or after the supervisor has stopped.
func (s *Supervisor) Shutdown() {
	s.RequestShutdown()

	s.lifecycleMu.Lock()
	started := s.started
	s.lifecycleMu.Unlock()

	if started {
		<-s.stopped
	}
}

// Restart aborts the live attempt, if any, and begins a new run at ordinal 0. It
// fails once shutdown has been requested.
func (s *Supervisor) Restart() error {
	s.lifecycleMu.Lock()
	started := s.started
	s.lifecycleMu.Unlock()

	if !started {
		return errors.WrapInvalid(errors.ErrNotStarted, "Supervisor", "Restart", "restart")
	}
	if s.shutdownRequested() {
		return errors.WrapFatal(errors.ErrShutdownRequested, "Supervisor", "Restart", "restart")
	}

	select {
	case s.restartCh <- struct{}{}:
	default:
		// a restart is already pending
	}
	return nil
}

// Wait blocks until the current run ends or ctx is done. It returns nil for a run
// that completed a manual capture or was superseded by Restart, and otherwise the
// terminal error: reconnect limit exceeded or shutdown requested.
func (s *Supervisor) Wait(ctx context.Context) error {
	run := s.run.Load()
	if run == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Supervisor", "Wait", "wait")
	}

	select {
	case <-run.ended:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the terminal error of the current run once it has ended, else nil.
func (s *Supervisor) Err() error {
	run := s.run.Load()
	if run == nil {
		return nil
	}
	select {
	case <-run.ended:
		return run.err
	default:
		return nil
	}
}

// Done is closed once the supervisor has shut down and its last attempt has exited
func (s *Supervisor) Done() <-chan struct{} {
	return s.stopped
}

// Send writes payload on the open connection. It fails with ErrNoConnection when
// no connection is open.
func (s *Supervisor) Send(ctx context.Context, payload string) error {
	live := s.live.Load()
	if live == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Supervisor", "Send", "send")
	}
	if err := live.w.submit(ctx, sendHost, []byte(payload)); err != nil {
		return errors.WrapTransient(err, "Supervisor", "Send", "send")
	}
	return nil
}

func (s *Supervisor) shutdownRequested() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// loop owns the run: it starts attempts, consumes their reports and applies the
// reconnect policy. Shutdown takes priority over every other input.
func (s *Supervisor) loop(ctx context.Context, run *runState) {
	defer close(s.loopDone)

	var (
		current        *attemptHandle
		restartPending bool
		backoff        *time.Timer
		backoffC       <-chan time.Time
		nextOrdinal    int
	)

	launch := func(ordinal int) {
		actx, cancel := context.WithCancel(context.Background())
		h := &attemptHandle{ordinal: ordinal, cancel: cancel, report: make(chan outcome, 1)}
		s.attempts.Add(1)
		go func() {
			defer s.attempts.Done()
			defer cancel()
			h.report <- s.runAttempt(actx, ordinal)
		}()
		current = h
	}

	stopBackoff := func() {
		if backoff != nil {
			backoff.Stop()
			backoff, backoffC = nil, nil
		}
	}

	finish := func(err error) {
		s.obs.running.Store(false)
		s.obs.setPhase(PhaseIdle, false)
		if err != nil {
			s.obs.runErr.Store(&err)
		}
		run.err = err
		close(run.ended)
	}

	beginRun := func() {
		select {
		case <-run.ended:
		default:
			finish(nil)
		}
		run = newRunState()
		s.obs.runErr.Store(nil)
		s.obs.running.Store(true)
		s.run.Store(run)
		s.logger.Info("Run restarted")
		launch(0)
	}

	stop := func() {
		stopBackoff()
		if current != nil {
			current.cancel()
		}
		select {
		case <-run.ended:
		default:
			finish(errors.WrapFatal(errors.ErrShutdownRequested, "Supervisor", "Shutdown", "stop"))
		}
		s.logger.Info("Supervisor stopped")
	}

	launch(0)

	for {
		// Shutdown wins over a report or restart that is ready at the same time
		select {
		case <-s.shutdown:
			stop()
			return
		default:
		}

		var reports <-chan outcome
		if current != nil {
			reports = current.report
		}

		select {
		case <-s.shutdown:
			stop()
			return

		case <-ctx.Done():
			s.RequestShutdown()

		case <-s.restartCh:
			stopBackoff()
			if current != nil {
				current.cancel()
				restartPending = true
				continue
			}
			beginRun()

		case <-backoffC:
			backoff, backoffC = nil, nil
			launch(nextOrdinal)

		case out := <-reports:
			current = nil
			if restartPending {
				restartPending = false
				beginRun()
				continue
			}

			if out.cause == causeLocalShutdown {
				s.logger.Info("Run finished", "attempt", out.ordinal)
				finish(nil)
				continue
			}

			// The attempt raced with a shutdown request; the next iteration stops
			if s.shutdownRequested() {
				continue
			}

			if !s.cfg.mayRetry(out.ordinal) {
				s.logger.Error("Reconnect limit exceeded",
					"attempts", out.ordinal+1,
					"max_attempts", s.cfg.MaxAttempts,
					"cause", out.cause.String(),
					"error", out.err)
				s.metrics.recordLimitExceeded()
				finish(errors.WrapFatal(errors.Join(errors.ErrReconnectLimitExceeded, out.err),
					"Supervisor", "loop", "reconnect"))
				continue
			}

			next := out.ordinal + 1
			if s.cfg.Backoff == nil {
				s.logger.Info("Reconnecting", "attempt", next, "cause", out.cause.String())
				launch(next)
				continue
			}

			delay := s.cfg.Backoff.Delay(next)
			s.logger.Info("Reconnecting after backoff", "attempt", next, "delay", delay, "cause", out.cause.String())
			s.obs.setPhase(PhaseIdle, false)
			nextOrdinal = next
			backoff = time.NewTimer(delay)
			backoffC = backoff.C
		}
	}
}
