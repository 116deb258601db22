package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/beer-garden/beer-garden/metric"
)

// Metrics instruments gateway publish traffic.
type Metrics struct {
	published     *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics(registry *metric.Registry) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_broker_published_total",
			Help: "Requests published to the broker by subject and priority",
		}, []string{"subject", "priority"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_broker_publish_errors_total",
			Help: "Publish failures after retry exhaustion by subject",
		}, []string{"subject"}),
	}
	if registry != nil {
		if err := registry.Register("broker", "published_total", m.published); err != nil {
			return nil, err
		}
		if err := registry.Register("broker", "publish_errors_total", m.publishErrors); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Published records a successful publish.
func (m *Metrics) Published(subject string, priority int) {
	label := "0"
	if priority > 0 {
		label = "1"
	}
	m.published.WithLabelValues(subject, label).Inc()
}

// PublishFailed records a publish failure.
func (m *Metrics) PublishFailed(subject string) {
	m.publishErrors.WithLabelValues(subject).Inc()
}
