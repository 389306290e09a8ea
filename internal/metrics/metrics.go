// Package metrics holds the Prometheus collectors of the forwarding pipeline.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, validate command).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pewfeed"

type Metrics struct {
	eventsReceived    *prometheus.CounterVec
	eventOutcomes     *prometheus.CounterVec
	processDuration   prometheus.Histogram
	queueDepth        prometheus.Gauge
	deliveries        *prometheus.CounterVec
	rateLimited       prometheus.Counter
	routeCreations    *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	ledgerSources     prometheus.Gauge
	monitorPolls      *prometheus.CounterVec
	monitorDegraded   *prometheus.GaugeVec
}

// New creates the collectors and registers them (plus the Go and process
// collectors) on reg. A nil reg gets a fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events handed to the forwarder by source monitors.",
		}, []string{"platform"}),
		eventOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_outcomes_total",
			Help:      "Final state of processed events.",
		}, []string{"outcome"}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_process_duration_seconds",
			Help:      "Time from dequeue to final state for one event.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting for a forwarder worker.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-subscription delivery attempts by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the messaging platform with a rate-limit signal.",
		}),
		routeCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_creations_total",
			Help:      "Sub-channel creation attempts by result.",
		}, []string{"result"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed writes of durable state by table.",
		}, []string{"table"}),
		ledgerSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_sources",
			Help:      "Sources tracked by the deduplication ledger.",
		}),
		monitorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_polls_total",
			Help:      "Source monitor polls by result.",
		}, []string{"monitor", "result"}),
		monitorDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_degraded",
			Help:      "1 when a source monitor stopped polling after an authorization failure.",
		}, []string{"monitor"}),
	}
	reg.MustRegister(
		m.eventsReceived,
		m.eventOutcomes,
		m.processDuration,
		m.queueDepth,
		m.deliveries,
		m.rateLimited,
		m.routeCreations,
		m.persistenceErrors,
		m.ledgerSources,
		m.monitorPolls,
		m.monitorDegraded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) EventReceived(platform string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(platform).Inc()
}

func (m *Metrics) EventOutcome(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.eventOutcomes.WithLabelValues(outcome).Inc()
	m.processDuration.Observe(took.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues("ok").Inc()
		return
	}
	m.deliveries.WithLabelValues("failed").Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RouteCreation records a creation attempt: "created", "fallback" or "error".
func (m *Metrics) RouteCreation(result string) {
	if m == nil {
		return
	}
	m.routeCreations.WithLabelValues(result).Inc()
}

func (m *Metrics) PersistenceError(table string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(table).Inc()
}

func (m *Metrics) LedgerSources(n int) {
	if m == nil {
		return
	}
	m.ledgerSources.Set(float64(n))
}

// MonitorPoll records a poll: "ok", "transient", "auth" or "error".
func (m *Metrics) MonitorPoll(monitor, result string) {
	if m == nil {
		return
	}
	m.monitorPolls.WithLabelValues(monitor, result).Inc()
}

func (m *Metrics) MonitorDegraded(monitor string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.monitorDegraded.WithLabelValues(monitor).Set(v)
}
