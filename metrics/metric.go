package metrics

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sqlite_cdc"

// Metric records pipeline activity. Collectors are not registered; callers
// register PrometheusCollectors with their registry.
type Metric interface {
	AddRouted(channel string, count float64)
	AddUnrouted(channel string, count float64)
	AddRoutingFailure(channel, rule string)
	AddSealed(channel, reason string, rows int)
	AddAck(channel, outcome string)
	AddRetry(channel string)
	AddPassFailure(channel string)
	ObservePass(channel string, seconds float64)
	SetQueueDepth(channel string, depth int)
	SetOpenGaps(channel string, count int)
	SetStalled(channel string, count int)
	PrometheusCollectors() []prometheus.Collector
}

// Seal reasons.
const (
	SealRows  = "rows"
	SealBytes = "bytes"
	SealWait  = "wait"
	SealOrder = "order"
	SealFlush = "flush"
)

// Ack outcomes.
const (
	AckOK        = "ok"
	AckError     = "error"
	AckBuffered  = "buffered"
	AckDuplicate = "duplicate"
	AckStalled   = "stalled"
)

var hostname, _ = os.Hostname()

type metric struct {
	routed          *prometheus.CounterVec
	unrouted        *prometheus.CounterVec
	routingFailures *prometheus.CounterVec
	sealed          *prometheus.CounterVec
	batchRows       *prometheus.HistogramVec
	acks            *prometheus.CounterVec
	retries         *prometheus.CounterVec
	passFailures    *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	openGaps        *prometheus.GaugeVec
	stalled         *prometheus.GaugeVec
	nodeID          string
}

// New returns a Metric labelled with the local node id.
func New(nodeID string) Metric {
	constLabels := prometheus.Labels{"host": hostname, "node_id": nodeID}
	return &metric{
		nodeID: nodeID,
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "router",
			Name:        "routed_total",
			Help:        "total number of changes routed to at least one node",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		unrouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "router",
			Name:        "unrouted_total",
			Help:        "total number of changes no rule routed",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		routingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "router",
			Name:        "failures_total",
			Help:        "total number of routing rule evaluation failures",
			ConstLabels: constLabels,
		}, []string{"channel", "rule"}),
		sealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "batch",
			Name:        "sealed_total",
			Help:        "total number of sealed batches by reason",
			ConstLabels: constLabels,
		}, []string{"channel", "reason"}),
		batchRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "batch",
			Name:        "rows",
			Help:        "number of changes per sealed batch",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"channel"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ack",
			Name:        "total",
			Help:        "total number of acknowledgements by outcome",
			ConstLabels: constLabels,
		}, []string{"channel", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "batch",
			Name:        "retries_total",
			Help:        "total number of retry attempts created",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		passFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pass",
			Name:        "failures_total",
			Help:        "total number of rolled back route passes",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "pass",
			Name:        "duration_seconds",
			Help:        "route pass duration in seconds",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "reader",
			Name:        "queue_depth",
			Help:        "changes waiting in the reader queue",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		openGaps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gap",
			Name:        "open",
			Help:        "number of open gaps",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		stalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "batch",
			Name:        "stalled",
			Help:        "number of batches that exhausted their retry attempts",
			ConstLabels: constLabels,
		}, []string{"channel"}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.routed,
		m.unrouted,
		m.routingFailures,
		m.sealed,
		m.batchRows,
		m.acks,
		m.retries,
		m.passFailures,
		m.passDuration,
		m.queueDepth,
		m.openGaps,
		m.stalled,
	}
}

func (m *metric) AddRouted(channel string, count float64) {
	m.routed.WithLabelValues(channel).Add(count)
}

func (m *metric) AddUnrouted(channel string, count float64) {
	m.unrouted.WithLabelValues(channel).Add(count)
}

func (m *metric) AddRoutingFailure(channel, rule string) {
	m.routingFailures.WithLabelValues(channel, rule).Inc()
}

func (m *metric) AddSealed(channel, reason string, rows int) {
	m.sealed.WithLabelValues(channel, reason).Inc()
	m.batchRows.WithLabelValues(channel).Observe(float64(rows))
}

func (m *metric) AddAck(channel, outcome string) {
	m.acks.WithLabelValues(channel, outcome).Inc()
}

func (m *metric) AddRetry(channel string) {
	m.retries.WithLabelValues(channel).Inc()
}

func (m *metric) AddPassFailure(channel string) {
	m.passFailures.WithLabelValues(channel).Inc()
}

func (m *metric) ObservePass(channel string, seconds float64) {
	m.passDuration.WithLabelValues(channel).Observe(seconds)
}

func (m *metric) SetQueueDepth(channel string, depth int) {
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

func (m *metric) SetOpenGaps(channel string, count int) {
	m.openGaps.WithLabelValues(channel).Set(float64(count))
}

func (m *metric) SetStalled(channel string, count int) {
	m.stalled.WithLabelValues(channel).Set(float64(count))
}
