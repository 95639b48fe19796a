package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "coopwatch_"

// Metrics bundles service collectors on a private registry.
// Params: counters/gauges for ingest, liveness, alerts, reminders, and notifications.
// Returns: nil-safe recorder; methods on nil receiver are no-ops.
type Metrics struct {
	registry *prometheus.Registry

	inboundTotal       *prometheus.CounterVec
	alertsCreated      *prometheus.CounterVec
	alertsResolved     *prometheus.CounterVec
	alertsSuppressed   *prometheus.CounterVec
	unresolvedAlerts   *prometheus.GaugeVec
	remindersSent      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	notifyQueueDepth   prometheus.Gauge
	deviceOnline       prometheus.Gauge
	livenessChanges    *prometheus.CounterVec
	storeErrors        *prometheus.CounterVec
	evaluateDuration   prometheus.Histogram
}

// New constructs and registers collectors on a fresh registry.
// Params: none.
// Returns: metrics bundle.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "inbound_events_total",
			Help: "Inbound device events by kind and channel",
		}, []string{"kind", "channel"}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alerts_created_total",
			Help: "Alerts created by type and severity",
		}, []string{"type", "severity"}),
		alertsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alerts_resolved_total",
			Help: "Alerts resolved by type and actor",
		}, []string{"type", "by"}),
		alertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alerts_suppressed_total",
			Help: "Alert candidates skipped by gate",
		}, []string{"type", "reason"}),
		unresolvedAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "alerts_unresolved",
			Help: "Unresolved alerts by severity",
		}, []string{"severity"}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "reminders_sent_total",
			Help: "Reminder notifications by severity",
		}, []string{"severity"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "notifications_total",
			Help: "Notification deliveries by channel and result",
		}, []string{"channel", "result"}),
		notifyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "notify_queue_depth",
			Help: "Pending notifications in the delivery queue",
		}),
		deviceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "device_online",
			Help: "1 when device liveness is online",
		}),
		livenessChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "liveness_transitions_total",
			Help: "Liveness transitions by target state",
		}, []string{"state"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "store_errors_total",
			Help: "Alert store errors by operation",
		}, []string{"op"}),
		evaluateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "evaluate_duration_seconds",
			Help:    "Alert evaluation pass latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inboundTotal,
		m.alertsCreated,
		m.alertsResolved,
		m.alertsSuppressed,
		m.unresolvedAlerts,
		m.remindersSent,
		m.notificationsTotal,
		m.notifyQueueDepth,
		m.deviceOnline,
		m.livenessChanges,
		m.storeErrors,
		m.evaluateDuration,
	)
	return m
}

// Handler exposes registry in Prometheus text format.
// Params: none.
// Returns: HTTP handler (404 when metrics are disabled).
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns underlying registry for tests and extra collectors.
// Params: none.
// Returns: registry or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// InboundEvent counts one ingest event.
// Params: event kind and channel label.
// Returns: none.
func (m *Metrics) InboundEvent(kind, channel string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, channel).Inc()
}

// AlertCreated counts one created alert.
// Params: alert type and severity.
// Returns: none.
func (m *Metrics) AlertCreated(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(alertType, severity).Inc()
}

// AlertResolved counts one resolved alert.
// Params: alert type and resolver.
// Returns: none.
func (m *Metrics) AlertResolved(alertType, by string) {
	if m == nil {
		return
	}
	m.alertsResolved.WithLabelValues(alertType, by).Inc()
}

// AlertSuppressed counts one skipped candidate.
// Params: alert type and gate reason ("debounce", "duplicate").
// Returns: none.
func (m *Metrics) AlertSuppressed(alertType, reason string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.WithLabelValues(alertType, reason).Inc()
}

// SetUnresolved publishes unresolved counts.
// Params: warning and critical counts.
// Returns: none.
func (m *Metrics) SetUnresolved(warning, critical int) {
	if m == nil {
		return
	}
	m.unresolvedAlerts.WithLabelValues("warning").Set(float64(warning))
	m.unresolvedAlerts.WithLabelValues("critical").Set(float64(critical))
}

// ReminderSent counts one reminder.
// Params: severity label.
// Returns: none.
func (m *Metrics) ReminderSent(severity string) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(severity).Inc()
}

// Notification counts one delivery outcome.
// Params: channel name and result ("success", "error", "dropped").
// Returns: none.
func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(channel, result).Inc()
}

// SetNotifyQueueDepth publishes queue depth.
// Params: pending item count.
// Returns: none.
func (m *Metrics) SetNotifyQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.notifyQueueDepth.Set(float64(depth))
}

// SetDeviceOnline publishes liveness and counts transitions.
// Params: online flag and whether the state changed.
// Returns: none.
func (m *Metrics) SetDeviceOnline(online, changed bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
		m.deviceOnline.Set(1)
	} else {
		m.deviceOnline.Set(0)
	}
	if changed {
		m.livenessChanges.WithLabelValues(state).Inc()
	}
}

// StoreError counts one alert store failure.
// Params: operation label.
// Returns: none.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// ObserveEvaluate records evaluation latency.
// Params: seconds elapsed.
// Returns: none.
func (m *Metrics) ObserveEvaluate(seconds float64) {
	if m == nil {
		return
	}
	m.evaluateDuration.Observe(seconds)
}
