// Package supervisor keeps one WebSocket connection alive on behalf of a host that
// only wants decoded events and an occasional outbound message.
//
// A Supervisor runs a sequence of attempts. Each attempt resolves credentials, dials,
// sends the init payload, starts the heartbeat and then receives frames until the
// connection ends. Attempts are numbered from 0 within a run; after attempt n ends
// the supervisor starts attempt n+1 while n < Config.MaxAttempts, so a run makes at
// most MaxAttempts+1 attempts before it stops with ErrReconnectLimitExceeded.
//
// Everything that happens is reported to a Sink as an Event:
//
//	open     the handshake completed
//	message  one decoded inbound frame
//	close    the peer closed the connection, or a manual capture completed
//	error    the dial or the transport failed
//
// Events of one attempt are emitted from a single goroutine in order, and all of
// them precede the events of the next attempt. Nothing is emitted after Shutdown
// returns.
//
// # Duplex replies
//
// With Config.Duplex set, open and message events carry a *PendingReply. Fulfill
// writes a payload on the connection that produced the event, at most once. A reply
// whose connection has already ended is dropped, never sent on a newer connection.
//
// # Usage
//
//	cfg := supervisor.DefaultConfig()
//	cfg.URL = "wss://feed.example.com/stream"
//	cfg.InitPayload = `{"op":"subscribe","channel":"ticker"}`
//	cfg.HeartbeatPayload = "ping"
//	cfg.HeartbeatInterval = 30 * time.Second
//
//	sup, err := supervisor.New(cfg, supervisor.SinkFunc(func(e supervisor.Event, _ *supervisor.PendingReply) {
//		log.Println(e.Kind, e.Payload)
//	}))
//	if err != nil {
//		return err
//	}
//	if err := sup.Start(ctx); err != nil {
//		return err
//	}
//	defer sup.Shutdown()
//	return sup.Wait(ctx)
package supervisor
