package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/transport"
)

// Send kinds, used as metric labels
const (
	sendInit      = "init"
	sendHeartbeat = "heartbeat"
	sendReply     = "reply"
	sendHost      = "host"
)

type sendRequest struct {
	ctx     context.Context
	kind    string
	payload []byte
	result  chan error
}

// writer is the only goroutine that writes to an attempt's socket. It sends the init
// payload first, then serves heartbeat ticks and queued sends until halted. Its
// ticker only exists while it runs, so halting it stops the heartbeat. Every send
// is bounded by the write timeout and by the writer's own context, which halt
// cancels before the socket is released.
type writer struct {
	conn         transport.Conn
	init         []byte
	heartbeat    []byte
	interval     time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	requests chan sendRequest
	done     chan struct{}
	// failed carries the first init or heartbeat write failure
	failed chan error

	logger  *slog.Logger
	metrics *Metrics
	attempt int
}

func newWriter(ctx context.Context, conn transport.Conn, cfg Config, attempt int, logger *slog.Logger,
	metrics *Metrics) *writer {
	wctx, cancel := context.WithCancel(ctx)
	w := &writer{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		ctx:          wctx,
		cancel:       cancel,
		requests:     make(chan sendRequest),
		done:         make(chan struct{}),
		failed:       make(chan error, 1),
		logger:       logger,
		metrics:      metrics,
		attempt:      attempt,
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = DefaultWriteTimeout
	}
	if cfg.InitPayload != "" {
		w.init = []byte(cfg.InitPayload)
	}
	if cfg.heartbeatEnabled() {
		w.heartbeat = []byte(cfg.HeartbeatPayload)
		w.interval = cfg.HeartbeatInterval
	}
	return w
}

func (w *writer) run() {
	defer close(w.done)

	if w.init != nil {
		err := w.send(w.ctx, w.init)
		if w.halted() {
			return
		}
		w.metrics.recordSend(sendInit, err)
		if err != nil {
			w.fail(errors.Join(errors.ErrTransport, err))
			return
		}
		w.logger.Debug("Init payload sent", "attempt", w.attempt, "bytes", len(w.init))
	}

	var tick <-chan time.Time
	if w.heartbeat != nil {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-tick:
			// Prefer halting over a tick that raced with teardown
			if w.halted() {
				return
			}
			err := w.send(w.ctx, w.heartbeat)
			if w.halted() {
				return
			}
			w.metrics.recordHeartbeat(err)
			if err != nil {
				w.fail(errors.Join(errors.ErrTransport, err))
				return
			}

		case req := <-w.requests:
			err := req.ctx.Err()
			if err == nil {
				err = w.send(req.ctx, req.payload)
			}
			w.metrics.recordSend(req.kind, err)
			req.result <- err
		}
	}
}

// send writes payload with a deadline of the write timeout or ctx's deadline,
// whichever is sooner. The send context derives from the writer's, so halt
// cancels it synchronously.
func (w *writer) send(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	sendCtx, cancel := context.WithDeadline(w.ctx, deadline)
	defer cancel()
	return w.conn.Send(sendCtx, payload)
}

func (w *writer) halted() bool {
	return w.ctx.Err() != nil
}

func (w *writer) fail(err error) {
	select {
	case w.failed <- err:
	default:
	}
}

// submit queues payload for sending. It returns ErrNoConnection without sending when
// the writer has already stopped.
func (w *writer) submit(ctx context.Context, kind string, payload []byte) error {
	req := sendRequest{ctx: ctx, kind: kind, payload: payload, result: make(chan error, 1)}

	select {
	case <-w.done:
		return errors.ErrNoConnection
	case <-ctx.Done():
		return ctx.Err()
	case w.requests <- req:
	}

	return <-req.result
}

// halt stops the heartbeat and cancels any send in flight. It does not wait.
func (w *writer) halt() {
	w.cancel()
}

// wait blocks until the writer goroutine has exited
func (w *writer) wait() {
	<-w.done
}
