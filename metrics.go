package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives auth lifecycle events.
type MetricsRecorder interface {
	RecordExchange(outcome string)
	RecordResolution(state ResolutionState)
	RecordRefresh(success bool)
	RecordRedirect(trigger string)
}

// NoopMetricsRecorder discards everything.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) RecordExchange(string)            {}
func (NoopMetricsRecorder) RecordResolution(ResolutionState) {}
func (NoopMetricsRecorder) RecordRefresh(bool)               {}
func (NoopMetricsRecorder) RecordRedirect(string)            {}

// PrometheusMetricsRecorder records metrics using Prometheus.
type PrometheusMetricsRecorder struct {
	exchangesTotal   *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
	refreshesTotal   *prometheus.CounterVec
	redirectsTotal   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorderWithRegistry registers the collectors on reg.
func NewPrometheusMetricsRecorderWithRegistry(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	exchangesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timecard_code_exchanges_total",
		Help: "Authorization code redemptions by outcome",
	}, []string{"outcome"})

	resolutionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timecard_session_resolutions_total",
		Help: "Session resolutions by resulting state",
	}, []string{"state"})

	refreshesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timecard_token_refreshes_total",
		Help: "Refresh-token grants by result",
	}, []string{"result"})

	redirectsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timecard_redirects_total",
		Help: "Navigations to the identity provider by trigger",
	}, []string{"trigger"})

	reg.MustRegister(exchangesTotal, resolutionsTotal, refreshesTotal, redirectsTotal)

	return &PrometheusMetricsRecorder{
		exchangesTotal:   exchangesTotal,
		resolutionsTotal: resolutionsTotal,
		refreshesTotal:   refreshesTotal,
		redirectsTotal:   redirectsTotal,
	}
}

func (p *PrometheusMetricsRecorder) RecordExchange(outcome string) {
	p.exchangesTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusMetricsRecorder) RecordResolution(state ResolutionState) {
	p.resolutionsTotal.WithLabelValues(state.String()).Inc()
}

func (p *PrometheusMetricsRecorder) RecordRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.refreshesTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusMetricsRecorder) RecordRedirect(trigger string) {
	p.redirectsTotal.WithLabelValues(trigger).Inc()
}
