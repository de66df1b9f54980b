// Package natsclient manages the NATS connection used by the NATS event sink.
//
// The client wraps nats.go with status tracking, structured logging and a small
// circuit breaker: after a run of failed connects it refuses further attempts for a
// backoff period that doubles up to a maximum. Once connected, nats.go reconnects on
// its own and the client mirrors the state through its handlers.
//
// Besides Publish the client offers Request, which the sink uses for duplex replies:
// the first response on the generated inbox becomes the reply.
//
// NewTestClient starts a NATS server with testcontainers for integration tests.
package natsclient
