// Package retry provides exponential backoff for transient failures.
//
// # Overview
//
// Do runs a function until it succeeds, the attempt budget is spent, the error is
// marked NonRetryable, or the context ends. The credential login exchange uses it to
// ride out a flaky login endpoint.
//
// Config.Delay exposes the same backoff curve on its own, so callers that own their
// retry loop (the connection supervisor, which paces reconnects only when a backoff is
// configured) can compute the pause for retry n and wait with Sleep.
//
// # Usage
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return login(ctx)
//	})
//
//	if err := retry.Sleep(ctx, cfg.Delay(n)); err != nil {
//	    return err // cancelled
//	}
package retry
