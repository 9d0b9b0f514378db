// Package metrics exposes Prometheus counters for governance decisions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	checksTotal      *prometheus.CounterVec
	checkDuration    prometheus.Histogram
	injectionTotal   *prometheus.CounterVec
	anomaliesTotal   *prometheus.CounterVec
	dlpMatchesTotal  *prometheus.CounterVec
	dlpErrorsTotal   prometheus.Counter
	tokensTotal      *prometheus.CounterVec
	policyReloads    *prometheus.CounterVec
	storeErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_checks_total",
				Help: "Governance checks by verdict reason",
			},
			[]string{"reason"},
		),
		checkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolwarden_check_duration_seconds",
				Help:    "Governance check latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		injectionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_injection_findings_total",
				Help: "Checks with injection findings by severity",
			},
			[]string{"severity"},
		),
		anomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_anomalies_total",
				Help: "Behavioral anomalies by type and severity",
			},
			[]string{"type", "severity"},
		),
		dlpMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_dlp_matches_total",
				Help: "DLP matches in tool output by rule",
			},
			[]string{"type"},
		),
		dlpErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "toolwarden_dlp_rule_errors_total",
				Help: "DLP rules skipped because they failed to compile",
			},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_approval_tokens_total",
				Help: "Approval token transitions by resulting status",
			},
			[]string{"status"},
		),
		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_policy_reloads_total",
				Help: "Policy reloads by outcome",
			},
			[]string{"outcome"},
		),
		storeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolwarden_store_errors_total",
				Help: "Store failures by operation",
			},
			[]string{"op"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.checksTotal,
		m.checkDuration,
		m.injectionTotal,
		m.anomaliesTotal,
		m.dlpMatchesTotal,
		m.dlpErrorsTotal,
		m.tokensTotal,
		m.policyReloads,
		m.storeErrorsTotal,
	)
	return m
}

// RecordCheck records a completed governance check.
func (m *Metrics) RecordCheck(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(reason).Inc()
	m.checkDuration.Observe(d.Seconds())
}

// RecordInjection records a check whose arguments produced findings.
func (m *Metrics) RecordInjection(severity string) {
	if m == nil {
		return
	}
	m.injectionTotal.WithLabelValues(severity).Inc()
}

// RecordAnomaly records one anomaly.
func (m *Metrics) RecordAnomaly(typ, severity string) {
	if m == nil {
		return
	}
	m.anomaliesTotal.WithLabelValues(typ, severity).Inc()
}

// RecordDlpMatch records one DLP match of the given rule.
func (m *Metrics) RecordDlpMatch(typ string) {
	if m == nil {
		return
	}
	m.dlpMatchesTotal.WithLabelValues(typ).Inc()
}

// RecordDlpError records a skipped DLP rule.
func (m *Metrics) RecordDlpError() {
	if m == nil {
		return
	}
	m.dlpErrorsTotal.Inc()
}

// RecordToken records an approval token reaching status.
func (m *Metrics) RecordToken(status string) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(status).Inc()
}

// RecordPolicyReload records a reload attempt. outcome is ok, invalid or error.
func (m *Metrics) RecordPolicyReload(outcome string) {
	if m == nil {
		return
	}
	m.policyReloads.WithLabelValues(outcome).Inc()
}

// RecordStoreError records a failed store operation.
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
