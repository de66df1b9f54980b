package sink

import (
	"github.com/c360/wsfeed/supervisor"
)

// Multi emits every event to each sink in order. All sinks see the same reply
// handle; only the first Fulfill is sent.
type Multi []supervisor.Sink

// Emit implements supervisor.Sink
func (m Multi) Emit(event supervisor.Event, reply *supervisor.PendingReply) {
	for _, s := range m {
		if s != nil {
			s.Emit(event, reply)
		}
	}
}

var _ supervisor.Sink = Multi(nil)
