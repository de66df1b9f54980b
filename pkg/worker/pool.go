package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/wsfeed/metric"
)

// Sentinel errors returned by Pool. They are never wrapped.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// Pool runs a fixed number of workers over a bounded queue of T
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry    *metric.MetricsRegistry
	service     string
	subsystem   string
	constLabels prometheus.Labels
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetrics registers the pool's collectors as wsfeed_<subsystem>_* under
// service in registry. labels are attached to every series.
func WithMetrics[T any](registry *metric.MetricsRegistry, service, subsystem string, labels prometheus.Labels) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.service = service
		p.subsystem = subsystem
		p.constLabels = labels
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 10 workers and a queue of 1000.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.subsystem != "" {
		p.metrics = newPoolMetrics(p.registry, p.service, p.subsystem, p.constLabels)
	}
	return p
}

// Submit queues work without blocking. It returns ErrQueueFull when the queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.metrics.recordSubmit(len(p.workChan))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.recordDrop()
		return ErrQueueFull
	}
}

// Start launches the workers. Cancelling ctx stops them without draining the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for workers to finish what is queued
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	// Marked before waiting so a timed-out Stop never lets Submit write to a closed channel
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
			p.metrics.recordProcessed(err, time.Since(start), len(p.workChan))
		}
	}
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	items          *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// newPoolMetrics returns nil when registration fails, e.g. a second pool with the
// same service key on one registry
func newPoolMetrics(registry *metric.MetricsRegistry, service, subsystem string, labels prometheus.Labels) *poolMetrics {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "wsfeed",
			Subsystem:   subsystem,
			Name:        "queue_depth",
			Help:        "Current worker pool queue depth",
			ConstLabels: labels,
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wsfeed",
			Subsystem:   subsystem,
			Name:        "items_total",
			Help:        "Work items by outcome: submitted, dropped, processed, failed",
			ConstLabels: labels,
		}, []string{"outcome"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "wsfeed",
			Subsystem:   subsystem,
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	if err := registry.RegisterGauge(service, "queue_depth", m.queueDepth); err != nil {
		return nil
	}
	if err := registry.RegisterCounterVec(service, "items_total", m.items); err != nil {
		registry.Unregister(service, "queue_depth")
		return nil
	}
	if err := registry.RegisterHistogramVec(service, "processing_duration_seconds", m.processingTime); err != nil {
		registry.Unregister(service, "queue_depth")
		registry.Unregister(service, "items_total")
		return nil
	}
	return m
}

func (m *poolMetrics) recordSubmit(depth int) {
	if m == nil {
		return
	}
	m.items.WithLabelValues("submitted").Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *poolMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.items.WithLabelValues("dropped").Inc()
}

func (m *poolMetrics) recordProcessed(err error, d time.Duration, depth int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		m.items.WithLabelValues("failed").Inc()
	}
	m.items.WithLabelValues("processed").Inc()
	m.processingTime.WithLabelValues(status).Observe(d.Seconds())
	m.queueDepth.Set(float64(depth))
}
