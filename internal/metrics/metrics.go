// Package metrics exposes Prometheus counters for the gateway. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultReused  = "reused"
	ResultRetried = "retried"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	tokenRefreshes   *prometheus.CounterVec
	quotaRejections  prometheus.Counter
	upstreamRequests *prometheus.CounterVec
	upstreamRetries  prometheus.Counter
	jobsProcessed    *prometheus.CounterVec
	queueJobs        *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metering_gateway",
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by result. reused means another holder refreshed first.",
		}, []string{"result"}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metering_gateway",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected because the account used its monthly quota.",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metering_gateway",
			Name:      "upstream_requests_total",
			Help:      "Calls to the metering provider by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metering_gateway",
			Name:      "upstream_retries_total",
			Help:      "Retried upstream calls.",
		}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metering_gateway",
			Name:      "jobs_processed_total",
			Help:      "Processed queue jobs by type and result.",
		}, []string{"type", "result"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "metering_gateway",
			Name:      "queue_jobs",
			Help:      "Jobs in the queue by state.",
		}, []string{"state"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.tokenRefreshes, m.quotaRejections, m.upstreamRequests,
			m.upstreamRetries, m.jobsProcessed, m.queueJobs,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordQuotaRejection() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// RecordUpstream counts one attempt against the provider. statusClass is "2xx",
// "5xx" or "error" when no response was received.
func (m *Metrics) RecordUpstream(endpoint, statusClass string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(endpoint, statusClass).Inc()
}

func (m *Metrics) RecordUpstreamRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}

func (m *Metrics) RecordJob(jobType string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailed
	}
	m.jobsProcessed.WithLabelValues(jobType, result).Inc()
}

// SetQueueDepth publishes the latest queue counts.
func (m *Metrics) SetQueueDepth(counts map[string]int64) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.queueJobs.WithLabelValues(state).Set(float64(n))
	}
}
