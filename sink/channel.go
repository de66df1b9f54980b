package sink

import (
	"sync"
	"sync/atomic"

	"github.com/c360/wsfeed/supervisor"
)

// Delivery is one event with its reply handle, nil unless the supervisor is duplex
type Delivery struct {
	Event supervisor.Event
	Reply *supervisor.PendingReply
}

// Channel is a Sink backed by a buffered channel. Emit blocks when the buffer is
// full, which holds up the attempt that emitted until the consumer drains or Stop
// is called.
type Channel struct {
	ch      chan Delivery
	stop    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewChannel creates a channel sink with the given buffer size. A consumer that may
// stop draining before the supervisor shuts down must call Stop first, otherwise
// Supervisor.Shutdown waits on the blocked Emit.
func NewChannel(size int) *Channel {
	if size < 0 {
		size = 0
	}
	return &Channel{ch: make(chan Delivery, size), stop: make(chan struct{})}
}

// Emit implements supervisor.Sink. After Stop the event is dropped.
func (c *Channel) Emit(event supervisor.Event, reply *supervisor.PendingReply) {
	select {
	case <-c.stop:
		c.dropped.Add(1)
		return
	default:
	}

	select {
	case c.ch <- Delivery{Event: event, Reply: reply}:
	case <-c.stop:
		c.dropped.Add(1)
	}
}

// Stop releases an Emit blocked on a full buffer and makes later Emits drop their
// events. The receive side stays open so buffered deliveries can still be read.
func (c *Channel) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Dropped counts events discarded because the sink was stopped
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// C returns the receive side
func (c *Channel) C() <-chan Delivery {
	return c.ch
}

var _ supervisor.Sink = (*Channel)(nil)
