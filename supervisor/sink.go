package supervisor

import (
	"fmt"
)

// Sink receives events in emission order from a single goroutine per attempt.
// reply is non-nil only for open and message events of a duplex supervisor.
//
// Emit must not call Shutdown or Wait on the emitting supervisor; use
// RequestShutdown from inside a sink.
type Sink interface {
	Emit(event Event, reply *PendingReply)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(event Event, reply *PendingReply)

// Emit calls f
func (f SinkFunc) Emit(event Event, reply *PendingReply) {
	f(event, reply)
}

// emit delivers one event, containing sink panics
func (s *Supervisor) emit(event Event, reply *PendingReply) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sink panicked", "event", event.Kind, "attempt", event.Attempt, "panic", fmt.Sprint(r))
			s.metrics.recordSinkPanic()
		}
	}()

	s.metrics.recordEvent(event.Kind)
	s.sink.Emit(event, reply)
}
