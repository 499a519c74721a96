package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "wsrelay"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	ConnectionState        *prometheus.GaugeVec
	StateTransitionsTotal  *prometheus.CounterVec
	ReconnectsTotal        prometheus.Counter
	ReconnectDelaySeconds  prometheus.Histogram
	OutboundQueueDepth     prometheus.Gauge
	FramesSentTotal        prometheus.Counter
	FramesReceivedTotal    *prometheus.CounterVec
	HeartbeatTimeoutsTotal prometheus.Counter

	RelayConnections   prometheus.Gauge
	RelayMessagesTotal *prometheus.CounterVec
	RelayAuthFailures  prometheus.Counter
)

// Init creates the registry and all collectors. It is safe to call more
// than once; later calls return the same registry.
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()
		initRegistry()
	})
	return registry
}

// GetRegistry returns the registry, initializing it if needed
func GetRegistry() *prometheus.Registry {
	return Init()
}

func initMetrics() {
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Client connection state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of client state transitions",
		},
		[]string{"from", "to"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
	)

	ReconnectDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect attempt",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	OutboundQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Frames waiting for an open connection",
		},
	)

	FramesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the connection",
		},
	)

	FramesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames received",
		},
		[]string{"kind"},
	)

	HeartbeatTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed because the heartbeat went unanswered",
		},
	)

	RelayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Connections currently registered with the relay hub",
		},
	)

	RelayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages handled by the relay",
		},
		[]string{"type"},
	)

	RelayAuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_auth_failures_total",
			Help:      "Upgrade requests rejected for a bad api key",
		},
	)
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		ConnectionState,
		StateTransitionsTotal,
		ReconnectsTotal,
		ReconnectDelaySeconds,
		OutboundQueueDepth,
		FramesSentTotal,
		FramesReceivedTotal,
		HeartbeatTimeoutsTotal,
		RelayConnections,
		RelayMessagesTotal,
		RelayAuthFailures,
	)
}
