package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed normally.
	OutcomeSuccess = "success"
	// OutcomeError labels operations that failed.
	OutcomeError = "error"
	// OutcomeTimeout labels operations cut off by their deadline.
	OutcomeTimeout = "timeout"
)

var (
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "anomalies_total",
			Help:      "Total anomalies emitted by the detector, partitioned by severity and source.",
		},
		[]string{"severity", "source"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "incidents_total",
			Help:      "Total incidents opened, partitioned by severity.",
		},
		[]string{"severity"},
	)

	incidentsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "incidents_deduplicated_total",
			Help:      "Incident candidates suppressed by the dedup window.",
		},
	)

	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "investigations_total",
			Help:      "Total investigator runs, partitioned by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aegis_ir",
			Name:      "investigation_seconds",
			Help:      "Whole-incident investigation latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30, 45, 60},
		},
	)

	remediationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "remediation_attempts_total",
			Help:      "Remediation attempts by action kind and terminal state.",
		},
		[]string{"action", "state"},
	)

	breakerOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "breaker_opens_total",
			Help:      "Circuit breaker openings by action kind.",
		},
		[]string{"action"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis_ir",
			Name:      "escalations_total",
			Help:      "Escalations raised, partitioned by reason.",
		},
		[]string{"reason"},
	)

	incidentDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aegis_ir",
			Name:      "incident_seconds",
			Help:      "Open-to-close incident duration in seconds.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
	)
)

// Register attaches aegis-ir collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		anomaliesTotal,
		incidentsTotal,
		incidentsDeduplicated,
		investigationsTotal,
		investigationDurationSeconds,
		remediationAttemptsTotal,
		breakerOpensTotal,
		escalationsTotal,
		incidentDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnomaly records one detected anomaly.
func ObserveAnomaly(severity, source string) {
	anomaliesTotal.WithLabelValues(severity, source).Inc()
}

// ObserveIncidentOpened records a newly opened incident.
func ObserveIncidentOpened(severity string) {
	incidentsTotal.WithLabelValues(severity).Inc()
}

// ObserveDeduplicated records a candidate suppressed by dedup.
func ObserveDeduplicated() {
	incidentsDeduplicated.Inc()
}

// ObserveInvestigator records a single investigator run.
func ObserveInvestigator(source, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeTimeout:
	default:
		outcome = OutcomeSuccess
	}
	investigationsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveInvestigation records the whole-incident investigation latency.
func ObserveInvestigation(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// ObserveRemediation records a terminal remediation attempt state.
func ObserveRemediation(action, state string) {
	remediationAttemptsTotal.WithLabelValues(action, state).Inc()
}

// ObserveBreakerOpen records a circuit breaker opening for an action kind.
func ObserveBreakerOpen(action string) {
	breakerOpensTotal.WithLabelValues(action).Inc()
}

// ObserveEscalation records an escalation with its reason label.
func ObserveEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}

// ObserveIncidentClosed records the full incident lifetime.
func ObserveIncidentClosed(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	incidentDurationSeconds.Observe(duration.Seconds())
}
