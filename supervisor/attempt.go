package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/wsfeed/codec"
	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/transport"
)

// cause classifies how an attempt ended
type cause int

const (
	causePeerClose cause = iota
	causeTransportError
	causeLocalShutdown
)

func (c cause) String() string {
	switch c {
	case causePeerClose:
		return "peer_close"
	case causeTransportError:
		return "transport_error"
	case causeLocalShutdown:
		return "local_shutdown"
	default:
		return "unknown"
	}
}

// outcome is an attempt's terminal report to the loop
type outcome struct {
	ordinal int
	cause   cause
	err     error
	opened  bool
}

// liveConn is the handle Send uses to reach the open attempt's writer
type liveConn struct {
	ordinal int
	w       *writer
}

func newEvent(kind EventKind, attempt int) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Attempt: attempt,
		Time:    time.Now(),
	}
}

// runAttempt drives one physical connection from dial to teardown. It emits every
// event of the attempt itself, so events of one attempt are strictly ordered and
// always precede those of the next. Cancelling ctx aborts the attempt silently.
func (s *Supervisor) runAttempt(ctx context.Context, ordinal int) outcome {
	logger := s.logger.With("attempt", ordinal)
	s.obs.attemptStarted(ordinal)
	s.metrics.recordAttempt()
	start := time.Now()

	logger.Debug("Connecting", "url", s.cfg.URL)

	conn, err := s.connect(ctx)
	if err != nil {
		s.obs.setPhase(PhaseClosed, false)
		if ctx.Err() != nil {
			return outcome{ordinal: ordinal, cause: causeLocalShutdown, err: ctx.Err()}
		}

		cerr := errors.WrapTransient(errors.Join(errors.ErrConnect, err), "Supervisor", "connect", "dial")
		s.obs.failed(cerr)
		s.metrics.recordError(cerr)
		s.invalidateCredential()
		logger.Warn("Connect failed", "url", s.cfg.URL, "error", err)

		evt := newEvent(EventError, ordinal)
		evt.Err = cerr
		s.emit(evt, nil)
		return outcome{ordinal: ordinal, cause: causeTransportError, err: cerr}
	}

	if ctx.Err() != nil {
		_ = conn.Abort()
		s.obs.setPhase(PhaseClosed, false)
		return outcome{ordinal: ordinal, cause: causeLocalShutdown, err: ctx.Err()}
	}

	return s.serve(ctx, conn, ordinal, logger, start)
}

func (s *Supervisor) connect(ctx context.Context) (transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	header := s.cfg.staticHeaders()
	if profile := s.cfg.CredentialProfile; profile != "" {
		creds, err := s.creds.ResolveHeaders(dialCtx, profile)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", profile, err)
		}
		header = mergeHeaders(header, creds)
	}

	return s.dialer.Dial(dialCtx, s.cfg.URL, header)
}

func (s *Supervisor) invalidateCredential() {
	if s.cfg.CredentialProfile == "" {
		return
	}
	if inv, ok := s.creds.(CredentialInvalidator); ok {
		inv.Invalidate(s.cfg.CredentialProfile)
	}
}

// serve runs an open connection until it ends
func (s *Supervisor) serve(ctx context.Context, conn transport.Conn, ordinal int, logger *slog.Logger,
	start time.Time) outcome {
	ended := make(chan struct{})

	s.obs.setPhase(PhaseOpen, s.cfg.heartbeatEnabled())
	s.metrics.recordOpen(time.Since(start))
	logger.Info("Connection open", "url", s.cfg.URL, "heartbeat", s.cfg.heartbeatEnabled())

	// The writer sends the init payload before anything else, then owns heartbeats
	w := newWriter(ctx, conn, s.cfg, ordinal, logger, s.metrics)
	go w.run()

	live := &liveConn{ordinal: ordinal, w: w}
	s.live.Store(live)

	frames := make(chan transport.Frame)
	readErr := make(chan error, 1)
	stopReading := make(chan struct{})
	readerDone := make(chan struct{})

	// Reader only forwards; all emission happens on this goroutine
	go func() {
		defer close(readerDone)
		for {
			frame, err := conn.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-stopReading:
				return
			}
		}
	}()

	// Teardown order: halt the heartbeat and writer, stop the receive loop, release
	// the socket, then wait for both goroutines. Releasing first unblocks a write
	// stalled on a peer that stopped reading.
	teardown := func(release func() error) {
		s.obs.setPhase(PhaseClosing, false)
		w.halt()
		s.live.CompareAndSwap(live, nil)
		close(stopReading)
		_ = release()
		w.wait()
		<-readerDone
		close(ended)
		s.obs.setPhase(PhaseClosed, false)
		s.metrics.recordClosed()
	}

	open := newEvent(EventOpen, ordinal)
	s.emit(open, s.replyFor(open, w, ended))

	for {
		select {
		case <-ctx.Done():
			teardown(conn.Abort)
			logger.Debug("Attempt aborted")
			return outcome{ordinal: ordinal, cause: causeLocalShutdown, err: ctx.Err(), opened: true}

		case err := <-w.failed:
			teardown(conn.Abort)
			return s.transportFailed(ordinal, logger, err)

		case err := <-readErr:
			teardown(conn.Abort)
			if ce, ok := transport.AsCloseError(err); ok {
				perr := errors.Join(errors.ErrPeerClose, ce)
				logger.Info("Connection closed by peer", "code", ce.Code, "reason", ce.Reason)

				evt := newEvent(EventClose, ordinal)
				evt.Code = ce.Code
				evt.Reason = ce.Reason
				s.emit(evt, nil)
				return outcome{ordinal: ordinal, cause: causePeerClose, err: perr, opened: true}
			}
			return s.transportFailed(ordinal, logger, errors.Join(errors.ErrTransport, err))

		case frame := <-frames:
			if ctx.Err() != nil {
				continue
			}
			s.deliver(frame, ordinal, w, ended, logger)

			if s.cfg.ExecutionMode == ModeManual {
				// Terminated without a close handshake; the local close event reports 1006
				teardown(conn.Abort)
				logger.Info("Manual capture complete")

				evt := newEvent(EventClose, ordinal)
				evt.Code = transport.CloseAbnormal
				evt.Local = true
				s.emit(evt, nil)
				return outcome{ordinal: ordinal, cause: causeLocalShutdown, opened: true}
			}
		}
	}
}

func (s *Supervisor) transportFailed(ordinal int, logger *slog.Logger, err error) outcome {
	terr := errors.WrapTransient(err, "Supervisor", "serve", "transport")
	s.obs.failed(terr)
	s.metrics.recordError(terr)
	logger.Warn("Connection failed", "error", err)

	evt := newEvent(EventError, ordinal)
	evt.Err = terr
	s.emit(evt, nil)
	return outcome{ordinal: ordinal, cause: causeTransportError, err: terr, opened: true}
}

// deliver decodes one frame and emits it. A decode failure stays local to the frame.
func (s *Supervisor) deliver(frame transport.Frame, ordinal int, w *writer, ended <-chan struct{},
	logger *slog.Logger) {
	s.obs.messageReceived()

	payload, err := codec.Decode(s.cfg.DecodeMode, frame.Data)

	evt := newEvent(EventMessage, ordinal)
	evt.Payload = &payload
	if err != nil {
		evt.Err = errors.WrapInvalid(err, "Supervisor", "deliver", "decode frame")
		s.metrics.recordDecodeError()
		logger.Warn("Frame decode failed", "mode", s.cfg.DecodeMode, "bytes", len(frame.Data), "error", err)
	}

	s.emit(evt, s.replyFor(evt, w, ended))
}

func (s *Supervisor) replyFor(evt Event, w *writer, ended <-chan struct{}) *PendingReply {
	if !s.cfg.Duplex {
		return nil
	}
	return newPendingReply(evt, w, ended, s.logger, s.metrics)
}
