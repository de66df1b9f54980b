// Package wsfeed keeps one WebSocket feed connected and turns what arrives on it into
// an ordered stream of events.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│           supervisor                 │  Reconnect loop, attempts,
//	│  (start, restart, shutdown, limit)   │  heartbeat, duplex replies
//	└──────────────────────────────────────┘
//	      ↓ dials through          ↓ emits to
//	┌──────────────────┐   ┌───────────────────────────┐
//	│    transport     │   │          sink             │  Channel, slog,
//	│ (gorilla, TLS)   │   │ (channel, log, NATS, fan) │  NATS publish/request
//	└──────────────────┘   └───────────────────────────┘
//	      ↑ headers from
//	┌──────────────────┐
//	│    credential    │  Static headers or login-and-cookie
//	└──────────────────┘
//
// Each connection attempt dials the configured URL with the configured headers plus
// the credential profile's headers, emits an open event, sends the init payload,
// starts the heartbeat and then emits one message event per frame, decoded by codec
// as text, structured JSON or binary. When the socket ends the supervisor starts the
// next attempt until MaxAttempts reconnects have been used.
//
// In duplex mode every open and message event carries a PendingReply. Fulfilling it
// writes one text frame back on the socket that produced the event, as long as that
// socket is still live. The NATS sink uses this to let NATS responders answer feed
// messages.
//
// # Packages
//
//   - supervisor: the reconnect loop, connection attempts and the Sink boundary
//   - codec: frame decoding
//   - transport: the WebSocket boundary and its gorilla/websocket implementation
//   - credential: static and login-based header providers
//   - sink: event sinks (channel, log, multi, NATS)
//   - config: TOML and environment configuration via koanf
//   - natsclient: NATS connection management
//   - errors, metric, health: classified errors, Prometheus metrics, health status
//   - pkg/retry, pkg/tlsutil, pkg/worker: backoff, client TLS, bounded worker pool
//
// The wsfeed command in cmd/wsfeed wires these together.
//
// # Testing
//
// Unit tests run against transport/transporttest, an in-memory scriptable transport.
// Integration tests need Docker for a NATS container via testcontainers-go:
//
//	go test -tags=integration ./...
package wsfeed
