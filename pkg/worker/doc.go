// Package worker provides a bounded, generic worker pool.
//
// The NATS sink uses it to wait for duplex replies: each reply wait is one work
// item, so the number of outstanding requests is capped by the worker count and
// bursts beyond the queue are dropped instead of growing goroutines without bound.
//
// Submit never blocks. A full queue returns ErrQueueFull and counts the item as
// dropped, which is the backpressure signal callers log and count.
//
// Lifecycle:
//
//	pool := worker.NewPool(16, 256, func(ctx context.Context, job relayJob) error {
//	    return relay(ctx, job)
//	}, worker.WithMetrics[relayJob](registry, "nats-relay", "nats_relay", nil))
//
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Cancelling the Start context stops workers without draining the queue. Stop
// closes the queue and lets workers finish what was already accepted, waiting up
// to the timeout.
//
// Statistics are always tracked with atomics and returned by Stats. Prometheus
// collectors are only created with WithMetrics:
//
//	wsfeed_<subsystem>_queue_depth
//	wsfeed_<subsystem>_items_total{outcome="submitted|dropped|processed|failed"}
//	wsfeed_<subsystem>_processing_duration_seconds{status="success|error"}
package worker
