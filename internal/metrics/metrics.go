// Package metrics exposes Prometheus instrumentation for request creation,
// callbacks, polling and token acquisition.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsCreated   *prometheus.CounterVec
	CallbacksReceived *prometheus.CounterVec
	StatusPolls       *prometheus.CounterVec
	TokenAcquisitions *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcrequest_requests_created_total",
			Help: "Total number of issuance, presentation and selfie requests created, by outcome.",
		}, []string{"kind", "outcome"}),
		CallbacksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcrequest_callbacks_received_total",
			Help: "Total number of Request Service callbacks received, by outcome.",
		}, []string{"kind", "outcome"}), // accepted, unauthorized, invalid_state, unknown_status, invalid_payload
		StatusPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcrequest_status_polls_total",
			Help: "Total number of status polls, by reported status.",
		}, []string{"kind", "status"}),
		TokenAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vcrequest_token_acquisitions_total",
			Help: "Total number of access token lookups, by result.",
		}, []string{"result"}), // cache_hit, acquired, error
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vcrequest_upstream_request_duration_seconds",
			Help:    "Duration of calls to the Request Service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
}

func (m *Metrics) RequestCreated(kind, outcome string) {
	if m == nil {
		return
	}
	m.RequestsCreated.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CallbackReceived(kind, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksReceived.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) StatusPolled(kind, status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.StatusPolls.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) TokenAcquisition(result string) {
	if m == nil {
		return
	}
	m.TokenAcquisitions.WithLabelValues(result).Inc()
}

// ObserveUpstream records the duration of one outbound call since start.
func (m *Metrics) ObserveUpstream(operation, status string, start time.Time) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
