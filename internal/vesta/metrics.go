package vesta

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the client's traffic toward the remote service.
type Metrics struct {
	Requests *prometheus.CounterVec
	Retries  *prometheus.CounterVec
	Pages    prometheus.Counter
	Latency  *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg. A nil
// registerer disables instrumentation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesta_client_requests_total",
				Help: "Requests issued to the Vesta service, by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vesta_client_retries_total",
				Help: "Retried requests, by endpoint.",
			},
			[]string{"endpoint"},
		),
		Pages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vesta_client_history_pages_total",
				Help: "History slices fetched during paginated downloads.",
			},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vesta_client_request_duration_seconds",
				Help:    "Request latency, by endpoint.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}
	reg.MustRegister(m.Requests, m.Retries, m.Pages, m.Latency)
	return m
}

func (m *Metrics) observe(endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Requests.WithLabelValues(endpoint, outcome).Inc()
	m.Latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (m *Metrics) retry(endpoint string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) page() {
	if m == nil {
		return
	}
	m.Pages.Inc()
}
