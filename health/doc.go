// Package health provides health reporting for wsfeed components with thread-safe
// tracking and aggregation.
//
// # Health States
//
//   - Healthy: the component is doing its job (for the supervisor, a connection is open)
//   - Degraded: the component is recovering (connecting or between reconnect attempts)
//   - Unhealthy: the component has stopped (reconnect limit reached, or shut down)
//
// # Usage
//
// Components describe themselves with a Report and convert it with FromReport, which
// sanitizes the last error so target URLs and credentials never reach /health:
//
//	status := health.FromReport("supervisor", health.Report{
//	    Degraded:  true,
//	    LastError: err.Error(),
//	})
//
// A Monitor collects statuses by name. Track polls a check on an interval:
//
//	monitor := health.NewMonitor()
//	go monitor.Track(ctx, "supervisor", 5*time.Second, sup.Health)
//	overall := monitor.AggregateHealth("wsfeed")
//
// Aggregation: any unhealthy sub-status makes the aggregate unhealthy; otherwise any
// degraded one makes it degraded.
package health
