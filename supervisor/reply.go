package supervisor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/wsfeed/errors"
)

// ReplyResult is the outcome of fulfilling a PendingReply
type ReplyResult int

// Reply results
const (
	// ReplySent means the payload was written to the socket
	ReplySent ReplyResult = iota
	// ReplyDropped means the owning connection had already ended; nothing was sent
	ReplyDropped
	// ReplyAlreadyFulfilled means an earlier Fulfill call already used this slot
	ReplyAlreadyFulfilled
	// ReplyFailed means the write was attempted and failed
	ReplyFailed
)

func (r ReplyResult) String() string {
	switch r {
	case ReplySent:
		return "sent"
	case ReplyDropped:
		return "dropped"
	case ReplyAlreadyFulfilled:
		return "already_fulfilled"
	case ReplyFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingReply lets the host answer one event over the connection that produced it.
// It holds a handle to that attempt's writer, never the socket itself.
type PendingReply struct {
	id      string
	eventID string
	attempt int

	used    atomic.Bool
	w       *writer
	ended   <-chan struct{}
	logger  *slog.Logger
	metrics *Metrics
}

func newPendingReply(event Event, w *writer, ended <-chan struct{}, logger *slog.Logger, metrics *Metrics) *PendingReply {
	return &PendingReply{
		id:      uuid.NewString(),
		eventID: event.ID,
		attempt: event.Attempt,
		w:       w,
		ended:   ended,
		logger:  logger,
		metrics: metrics,
	}
}

// ID identifies this reply slot
func (p *PendingReply) ID() string { return p.id }

// EventID is the ID of the event this reply answers
func (p *PendingReply) EventID() string { return p.eventID }

// Attempt is the ordinal of the connection the reply would be sent on
func (p *PendingReply) Attempt() int { return p.attempt }

// Done is closed once the owning connection has ended. After that every Fulfill
// returns ReplyDropped.
func (p *PendingReply) Done() <-chan struct{} { return p.ended }

// Fulfill sends payload verbatim on the owning connection. Only the first call does
// anything; it never returns an error to the caller.
func (p *PendingReply) Fulfill(payload string) ReplyResult {
	return p.FulfillContext(context.Background(), payload)
}

// FulfillContext is Fulfill with a deadline for the write
func (p *PendingReply) FulfillContext(ctx context.Context, payload string) ReplyResult {
	if p == nil {
		return ReplyDropped
	}
	if !p.used.CompareAndSwap(false, true) {
		p.record(ReplyAlreadyFulfilled, nil)
		return ReplyAlreadyFulfilled
	}

	err := p.w.submit(ctx, sendReply, []byte(payload))
	switch {
	case err == nil:
		p.record(ReplySent, nil)
		return ReplySent
	case stderrors.Is(err, errors.ErrNoConnection):
		p.record(ReplyDropped, err)
		return ReplyDropped
	default:
		p.record(ReplyFailed, err)
		return ReplyFailed
	}
}

func (p *PendingReply) record(result ReplyResult, err error) {
	p.metrics.recordReply(result)
	if result == ReplySent {
		return
	}
	attrs := []any{"reply_id", p.id, "event_id", p.eventID, "attempt", p.attempt, "result", result.String()}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	p.logger.Debug("Reply not sent", attrs...)
}
