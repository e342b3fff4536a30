// Package metrics exposes coordinator metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "qcoord"
	subsystem = "coordinator"
)

// Metrics holds the collectors updated by coordinators. A nil *Metrics
// ignores every update.
type Metrics struct {
	reg *prometheus.Registry

	queries        *prometheus.CounterVec
	reports        *prometheus.CounterVec
	cancels        *prometheus.CounterVec
	retryErrors    *prometheus.CounterVec
	blocklisted    prometheus.Counter
	deployLatency  prometheus.Histogram
	scheduleTime   *prometheus.HistogramVec
	profileWaits   *prometheus.CounterVec
	deadBackends   prometheus.Counter
	monitorCancels prometheus.Counter
}

// New registers the coordinator collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{reg: reg}
	m.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queries_total",
		Help:      "Number of queries finished, by final status code",
	}, []string{"status"})
	m.reports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "exec_status_reports_total",
		Help:      "Number of fragment instance status reports, by outcome",
	}, []string{"outcome"})
	m.cancels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cancels_total",
		Help:      "Number of coordinator cancellations, by reason",
	}, []string{"reason"})
	m.retryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "classified_errors_total",
		Help:      "Number of execution errors, by retry classification",
	}, []string{"kind"})
	m.blocklisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blocklisted_workers_total",
		Help:      "Number of times a worker was blocklisted after an RPC failure",
	})
	m.deployLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "deploy_stage_seconds",
		Help:      "Latency of one deploy stage",
		Buckets:   prometheus.DefBuckets,
	})
	m.scheduleTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "schedule_phase_seconds",
		Help:      "Time spent in each scheduling phase",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})
	m.profileWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "profile_collections_total",
		Help:      "Number of profile collections, by mode and outcome",
	}, []string{"mode", "outcome"})
	m.deadBackends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dead_backends_total",
		Help:      "Number of dead backend events handled by the monitor",
	})
	m.monitorCancels = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "monitor_cancels_total",
		Help:      "Number of coordinators cancelled because a backend died",
	})
	reg.MustRegister(m.queries, m.reports, m.cancels, m.retryErrors, m.blocklisted,
		m.deployLatency, m.scheduleTime, m.profileWaits, m.deadBackends, m.monitorCancels)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterGauge exposes a value computed on scrape.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) QueryFinished(status string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(status).Inc()
}

// Report outcomes.
const (
	ReportAccepted  = "accepted"
	ReportDuplicate = "duplicate"
	ReportUnknown   = "unknown_instance"
)

func (m *Metrics) StatusReport(outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Cancelled(reason string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(reason).Inc()
}

func (m *Metrics) ClassifiedError(kind string) {
	if m == nil {
		return
	}
	m.retryErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerBlocklisted() {
	if m == nil {
		return
	}
	m.blocklisted.Inc()
}

func (m *Metrics) DeployStage(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deployLatency.Observe(elapsed.Seconds())
}

// SchedulePhase records the time spent in phase, one of "pending",
// "prepare" or "deploy".
func (m *Metrics) SchedulePhase(phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.scheduleTime.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (m *Metrics) ProfileCollected(mode string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "timeout"
	}
	m.profileWaits.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) DeadBackend() {
	if m == nil {
		return
	}
	m.deadBackends.Inc()
}

func (m *Metrics) MonitorCancel() {
	if m == nil {
		return
	}
	m.monitorCancels.Inc()
}
