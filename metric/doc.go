// Package metric provides Prometheus-based metrics collection and the HTTP server
// that exposes them for wsfeed.
//
// # Architecture
//
//  1. Core Metrics: process-level gauges and counters registered automatically (Metrics)
//  2. Component Registry: registration for component-specific collectors (MetricsRegistrar)
//  3. HTTP Server: /metrics in Prometheus format plus a JSON /health endpoint (Server)
//
// The supervisor, the credential resolver and the NATS sink each register their own
// collectors through MetricsRegistrar, keyed by component name, so a process running
// several supervisors gets one set of series per name.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, monitor.AggregateHealth)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("Metrics server error", "error", err)
//	    }
//	}()
//
// # Registration Errors
//
// Registering the same component/metric key twice returns an invalid-class error.
// A clash detected by Prometheus itself (same metric name under another key) is also
// invalid; any other Prometheus failure is fatal.
package metric
