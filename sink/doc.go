// Package sink provides Event Sink adapters for the supervisor.
//
//   - Channel hands events and their reply handles to a Go channel.
//   - Log writes one structured log line per event.
//   - NATS publishes each event as JSON on <prefix>.<kind>. In duplex mode the event
//     is sent as a request instead, and the first response on the reply inbox
//     fulfils the event's PendingReply.
//   - Multi fans one event out to several sinks in order.
package sink
