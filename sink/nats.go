package sink

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/metric"
	"github.com/c360/wsfeed/pkg/worker"
	"github.com/c360/wsfeed/supervisor"
)

// Publisher is the part of the NATS client the sink uses
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATSConfig configures the NATS sink
type NATSConfig struct {
	// SubjectPrefix is joined with the event kind, e.g. "wsfeed.events.message"
	SubjectPrefix string
	// PublishTimeout bounds one publish
	PublishTimeout time.Duration
	// ReplyTimeout bounds how long a duplex event waits for its first response
	ReplyTimeout time.Duration
	// RelayWorkers caps concurrent reply waits; RelayQueue holds the overflow
	RelayWorkers int
	RelayQueue   int
}

// DefaultNATSConfig returns the default subjects and timeouts
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		SubjectPrefix:  "wsfeed.events",
		PublishTimeout: 5 * time.Second,
		ReplyTimeout:   30 * time.Second,
		RelayWorkers:   16,
		RelayQueue:     256,
	}
}

// NATSOption configures the NATS sink
type NATSOption func(*NATS)

// WithNATSLogger sets the logger
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(n *NATS) { n.logger = logger }
}

// WithNATSMetrics records publish and reply counters in registry
func WithNATSMetrics(registry *metric.MetricsRegistry) NATSOption {
	return func(n *NATS) { n.registry = registry }
}

// NATS publishes events to NATS. Events that carry a reply handle are sent as
// requests; the first response is written back on the WebSocket that produced the
// event. Responses are awaited by a bounded pool of relay workers.
type NATS struct {
	pub      Publisher
	cfg      NATSConfig
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *natsMetrics
	relays   *worker.Pool[relayJob]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type relayJob struct {
	subject string
	data    []byte
	event   supervisor.Event
	reply   *supervisor.PendingReply
}

// NewNATS creates a NATS sink on top of pub
func NewNATS(pub Publisher, cfg NATSConfig, opts ...NATSOption) (*NATS, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(stderrors.New("publisher is nil"), "NATSSink", "NewNATS", "check publisher")
	}

	defaults := DefaultNATSConfig()
	cfg.SubjectPrefix = strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if strings.ContainsAny(cfg.SubjectPrefix, " \t*>") {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "NATSSink", "NewNATS", "check subject prefix")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaults.ReplyTimeout
	}
	if cfg.RelayWorkers <= 0 {
		cfg.RelayWorkers = defaults.RelayWorkers
	}
	if cfg.RelayQueue <= 0 {
		cfg.RelayQueue = defaults.RelayQueue
	}

	n := &NATS{pub: pub, cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("component", "nats-sink")
	n.metrics = newNATSMetrics(n.registry, cfg.SubjectPrefix)
	n.ctx, n.cancel = context.WithCancel(context.Background())

	var poolOpts []worker.Option[relayJob]
	if n.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[relayJob](n.registry,
			"nats-relay-"+cfg.SubjectPrefix, "nats_relay", prometheus.Labels{"prefix": cfg.SubjectPrefix}))
	}
	n.relays = worker.NewPool(cfg.RelayWorkers, cfg.RelayQueue, n.relay, poolOpts...)
	if err := n.relays.Start(n.ctx); err != nil {
		n.cancel()
		return nil, errors.WrapFatal(err, "NATSSink", "NewNATS", "start relay workers")
	}
	return n, nil
}

// Subject returns the subject an event kind is published on
func (n *NATS) Subject(kind supervisor.EventKind) string {
	return n.cfg.SubjectPrefix + "." + string(kind)
}

// Emit implements supervisor.Sink
func (n *NATS) Emit(event supervisor.Event, reply *supervisor.PendingReply) {
	if n.closed.Load() {
		n.metrics.recordPublish(event.Kind, "closed")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Event encode failed", "event_id", event.ID, "error", err)
		n.metrics.recordPublish(event.Kind, "error")
		return
	}
	subject := n.Subject(event.Kind)

	if reply == nil {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.PublishTimeout)
		defer cancel()
		if err := n.pub.Publish(ctx, subject, data); err != nil {
			n.logger.Warn("Event publish failed", "subject", subject, "event_id", event.ID, "error", err)
			n.metrics.recordPublish(event.Kind, "error")
			return
		}
		n.metrics.recordPublish(event.Kind, "ok")
		return
	}

	job := relayJob{subject: subject, data: data, event: event, reply: reply}
	if err := n.relays.Submit(job); err != nil {
		n.logger.Warn("Reply relay rejected", "subject", subject, "event_id", event.ID, "error", err)
		n.metrics.recordPublish(event.Kind, "dropped")
		n.metrics.recordReply("dropped")
	}
}

// Stats reports relay pool statistics
func (n *NATS) Stats() worker.PoolStats {
	return n.relays.Stats()
}

// relay sends the event as a request and fulfils reply with the first response
func (n *NATS) relay(poolCtx context.Context, job relayJob) error {
	subject, data, event, reply := job.subject, job.data, job.event, job.reply

	ctx, cancel := context.WithTimeout(poolCtx, n.cfg.ReplyTimeout)
	defer cancel()

	// Stop waiting once the connection that would carry the reply is gone
	go func() {
		select {
		case <-reply.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := n.pub.Request(ctx, subject, data)
	if err != nil {
		status := "error"
		switch {
		case stderrors.Is(err, nats.ErrNoResponders):
			status = "no_responders"
		case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, nats.ErrTimeout):
			status = "timeout"
		case stderrors.Is(err, context.Canceled):
			status = "cancelled"
		}
		n.metrics.recordPublish(event.Kind, "ok")
		n.metrics.recordReply(status)
		n.logger.Debug("No reply for event", "subject", subject, "event_id", event.ID, "status", status, "error", err)
		return err
	}
	n.metrics.recordPublish(event.Kind, "ok")

	result := reply.FulfillContext(poolCtx, string(resp))
	n.metrics.recordReply(result.String())
	n.logger.Debug("Reply relayed", "event_id", event.ID, "result", result.String(), "bytes", len(resp))
	return nil
}

// Close stops accepting events, abandons pending replies and waits for relays to exit
func (n *NATS) Close() {
	if n.closed.Swap(true) {
		return
	}
	n.cancel()
	if err := n.relays.Stop(n.cfg.ReplyTimeout); err != nil {
		n.logger.Warn("Reply relays did not stop", "error", err)
	}
}

var _ supervisor.Sink = (*NATS)(nil)

type natsMetrics struct {
	publishes *prometheus.CounterVec
	replies   *prometheus.CounterVec
}

// newNATSMetrics returns nil when the collectors cannot be registered, which happens
// for a second sink with the same prefix on one registry
func newNATSMetrics(registry *metric.MetricsRegistry, prefix string) *natsMetrics {
	if registry == nil {
		return nil
	}
	m := &natsMetrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wsfeed",
			Subsystem:   "nats_sink",
			Name:        "publishes_total",
			Help:        "Events published to NATS by kind and status",
			ConstLabels: prometheus.Labels{"prefix": prefix},
		}, []string{"kind", "status"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wsfeed",
			Subsystem:   "nats_sink",
			Name:        "replies_total",
			Help:        "Duplex request outcomes",
			ConstLabels: prometheus.Labels{"prefix": prefix},
		}, []string{"result"}),
	}
	service := "nats-sink-" + prefix
	if err := registry.RegisterCounterVec(service, "publishes_total", m.publishes); err != nil {
		return nil
	}
	if err := registry.RegisterCounterVec(service, "replies_total", m.replies); err != nil {
		registry.Unregister(service, "publishes_total")
		return nil
	}
	return m
}

func (m *natsMetrics) recordPublish(kind supervisor.EventKind, status string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(string(kind), status).Inc()
}

func (m *natsMetrics) recordReply(result string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(result).Inc()
}
