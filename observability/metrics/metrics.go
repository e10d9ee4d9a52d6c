package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics aggregates the prometheus collectors used across the broker.
type BrokerMetrics struct {
	envelopesAccepted *prometheus.CounterVec
	envelopesRejected *prometheus.CounterVec
	envelopesRouted   *prometheus.CounterVec
	mailboxStores     *prometheus.CounterVec
	pushDropped       prometheus.Counter
	pushSubscribers   prometheus.Gauge
	receiptsFinalized prometheus.Counter
	negotiationsOpen  prometheus.Gauge
	schedulerTicks    *prometheus.CounterVec
	schedulerDuration *prometheus.HistogramVec
	cacheDegraded     prometheus.Gauge
}

var (
	brokerOnce     sync.Once
	brokerRegistry *BrokerMetrics
)

// Broker returns the lazily-initialised broker metrics registry.
func Broker() *BrokerMetrics {
	brokerOnce.Do(func() {
		brokerRegistry = &BrokerMetrics{
			envelopesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ainp_envelopes_accepted_total",
				Help: "Count of envelopes that passed the full ingress pipeline, by message type.",
			}, []string{"msg_type"}),
			envelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ainp_envelopes_rejected_total",
				Help: "Count of envelopes rejected by the ingress pipeline, by error kind.",
			}, []string{"kind"}),
			envelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ainp_envelopes_routed_total",
				Help: "Count of envelopes handed to recipients, by delivery mode.",
			}, []string{"mode"}),
			mailboxStores: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ainp_mailbox_stores_total",
				Help: "Durable mailbox writes segmented by outcome.",
			}, []string{"outcome"}),
			pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ainp_push_dropped_total",
				Help: "Push frames dropped due to per-subscriber queue overflow.",
			}),
			pushSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ainp_push_subscribers",
				Help: "Currently connected push subscribers.",
			}),
			receiptsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ainp_receipts_finalized_total",
				Help: "Receipts transitioned to finalized by the quorum sweep.",
			}),
			negotiationsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ainp_negotiations_open",
				Help: "Negotiation sessions not yet in a terminal state.",
			}),
			schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ainp_scheduler_ticks_total",
				Help: "Scheduler ticks segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			schedulerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ainp_scheduler_duration_seconds",
				Help:    "Duration of scheduler job executions.",
				Buckets: prometheus.DefBuckets,
			}, []string{"job"}),
			cacheDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ainp_cache_degraded",
				Help: "1 when the anti-fraud cache is unreachable and the broker is failing open.",
			}),
		}
		prometheus.MustRegister(
			brokerRegistry.envelopesAccepted,
			brokerRegistry.envelopesRejected,
			brokerRegistry.envelopesRouted,
			brokerRegistry.mailboxStores,
			brokerRegistry.pushDropped,
			brokerRegistry.pushSubscribers,
			brokerRegistry.receiptsFinalized,
			brokerRegistry.negotiationsOpen,
			brokerRegistry.schedulerTicks,
			brokerRegistry.schedulerDuration,
			brokerRegistry.cacheDegraded,
		)
	})
	return brokerRegistry
}

// EnvelopeAccepted records a fully admitted envelope.
func (m *BrokerMetrics) EnvelopeAccepted(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.envelopesAccepted.WithLabelValues(msgType).Inc()
}

// EnvelopeRejected records a pipeline rejection keyed by its error kind.
func (m *BrokerMetrics) EnvelopeRejected(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.envelopesRejected.WithLabelValues(kind).Inc()
}

// EnvelopeRouted records a delivery attempt. Mode is "push", "mailbox" or
// "fanout".
func (m *BrokerMetrics) EnvelopeRouted(mode string) {
	if m == nil {
		return
	}
	m.envelopesRouted.WithLabelValues(mode).Inc()
}

// MailboxStore records a durable mailbox write outcome ("stored", "duplicate",
// "error").
func (m *BrokerMetrics) MailboxStore(outcome string) {
	if m == nil {
		return
	}
	m.mailboxStores.WithLabelValues(outcome).Inc()
}

// PushDropped counts an overflow drop on a subscriber queue.
func (m *BrokerMetrics) PushDropped() {
	if m == nil {
		return
	}
	m.pushDropped.Inc()
}

// PushSubscribers moves the connected-subscriber gauge by delta.
func (m *BrokerMetrics) PushSubscribers(delta float64) {
	if m == nil {
		return
	}
	m.pushSubscribers.Add(delta)
}

// ReceiptFinalized counts a receipt finalization.
func (m *BrokerMetrics) ReceiptFinalized() {
	if m == nil {
		return
	}
	m.receiptsFinalized.Inc()
}

// NegotiationsOpen moves the open-session gauge by delta.
func (m *BrokerMetrics) NegotiationsOpen(delta float64) {
	if m == nil {
		return
	}
	m.negotiationsOpen.Add(delta)
}

// SchedulerTick records a tick outcome ("ok", "error", "skipped") and its
// duration when the job ran.
func (m *BrokerMetrics) SchedulerTick(job, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(job, outcome).Inc()
	if outcome != "skipped" {
		m.schedulerDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// CacheDegraded flips the degraded gauge.
func (m *BrokerMetrics) CacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.cacheDegraded.Set(1)
		return
	}
	m.cacheDegraded.Set(0)
}
