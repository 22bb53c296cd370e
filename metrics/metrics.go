// Package metrics exposes Prometheus collectors for msgnet connections,
// sessions and broadcasts. Every recording method is safe to call on a nil
// *Metrics, which disables collection.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cyberinferno/go-msgnet/message"
)

// Side labels which end of a connection recorded a sample.
const (
	SideServer = "server"
	SideClient = "client"
)

// Disconnect reasons.
const (
	ReasonLocal     = "local"
	ReasonReadError = "read_error"
	ReasonWrite     = "write_error"
	ReasonOversize  = "oversize"
	ReasonHandler   = "handler_error"
	ReasonPanic     = "handler_panic"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "msgnet").
	Namespace string
	// Subsystem is the metrics subsystem (default: "").
	Subsystem string
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
	// Buckets are the frame latency histogram buckets, in seconds.
	Buckets []float64
	// Registry receives the collectors. Default: a fresh prometheus.Registry.
	Registry prometheus.Registerer
}

// Option configures Metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the latency histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "msgnet",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}
}

// Metrics holds the msgnet collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsActive   prometheus.Gauge
	sessionsAccepted prometheus.Counter
	sessionsDenied   prometheus.Counter
	connsOpened      *prometheus.CounterVec
	connsClosed      *prometheus.CounterVec
	framesIn         *prometheus.CounterVec
	framesOut        *prometheus.CounterVec
	bytesIn          *prometheus.CounterVec
	bytesOut         *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	broadcasts       prometheus.Counter
	backlogPeak      *prometheus.GaugeVec
	latency          *prometheus.HistogramVec

	mu    sync.Mutex
	peaks map[string]int // per side, guarded by mu
}

// New registers the msgnet collectors.
//
// Returns:
//   - The Metrics; it panics if the collectors are already registered on
//     the chosen registry, as promauto does
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	m := &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sessions_active",
			Help:        "Number of server sessions currently registered",
			ConstLabels: config.ConstLabels,
		}),
		sessionsAccepted: counter("sessions_accepted_total", "Sessions admitted by the server"),
		sessionsDenied:   counter("sessions_denied_total", "Sessions refused by the admission check"),
		connsOpened:      counterVec("connections_opened_total", "Connections started", "side"),
		connsClosed:      counterVec("connections_closed_total", "Connections torn down", "side"),
		framesIn:         counterVec("frames_received_total", "Frames read from peers", "side", "id"),
		framesOut:        counterVec("frames_sent_total", "Frames written to peers", "side", "id"),
		bytesIn:          counterVec("received_bytes_total", "Frame bytes read including headers", "side"),
		bytesOut:         counterVec("sent_bytes_total", "Frame bytes written including headers", "side"),
		disconnects:      counterVec("disconnects_total", "Disconnects by cause", "side", "reason"),
		broadcasts:       counter("broadcasts_total", "Broadcasts fanned out by the server"),
		backlogPeak: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "outbound_backlog_peak",
			Help:        "Deepest outbound frame queue of any single connection",
			ConstLabels: config.ConstLabels,
		}, []string{"side"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_latency_seconds",
			Help:        "Time from the sender's header timestamp to receipt",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"side"}),
		peaks: make(map[string]int),
	}

	if g, ok := config.Registry.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// Gatherer returns the registry the collectors were registered on, or nil
// when it cannot be gathered from.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}

	return m.gatherer
}

// ConnectionOpened records a connection entering the active state.
func (m *Metrics) ConnectionOpened(side string) {
	if m == nil {
		return
	}

	m.connsOpened.WithLabelValues(side).Inc()
}

// ConnectionClosed records a completed teardown.
func (m *Metrics) ConnectionClosed(side string) {
	if m == nil {
		return
	}

	m.connsClosed.WithLabelValues(side).Inc()
}

// SessionAccepted records an admitted server session.
func (m *Metrics) SessionAccepted() {
	if m == nil {
		return
	}

	m.sessionsAccepted.Inc()
}

// SessionDenied records a refused server session.
func (m *Metrics) SessionDenied() {
	if m == nil {
		return
	}

	m.sessionsDenied.Inc()
}

// SetSessions records the current registry size.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}

	m.sessionsActive.Set(float64(n))
}

// FrameReceived records one inbound frame and its transit latency.
func (m *Metrics) FrameReceived(side string, msg *message.Message, latency time.Duration) {
	if m == nil {
		return
	}

	m.framesIn.WithLabelValues(side, msg.Header.ID.String()).Inc()
	m.bytesIn.WithLabelValues(side).Add(float64(message.HeaderSize + msg.Size()))
	if latency > 0 {
		m.latency.WithLabelValues(side).Observe(latency.Seconds())
	}
}

// FrameSent records one outbound frame.
func (m *Metrics) FrameSent(side string, msg *message.Message) {
	if m == nil {
		return
	}

	m.framesOut.WithLabelValues(side, msg.Header.ID.String()).Inc()
	m.bytesOut.WithLabelValues(side).Add(float64(message.HeaderSize + msg.Size()))
}

// Backlog records the outbound queue depth of one connection after an
// enqueue. Only a new maximum for the side moves the gauge.
func (m *Metrics) Backlog(side string, n int) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= m.peaks[side] {
		return
	}
	m.peaks[side] = n
	m.backlogPeak.WithLabelValues(side).Set(float64(n))
}

// Disconnected records the cause of a teardown.
func (m *Metrics) Disconnected(side, reason string) {
	if m == nil {
		return
	}

	m.disconnects.WithLabelValues(side, reason).Inc()
}

// Broadcast records one broadcast fan-out.
func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}

	m.broadcasts.Inc()
}
