package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the relayer collectors on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syscall_relayer",
			Name:      "events_total",
			Help:      "Relayer event counters",
		},
		[]string{"type", "service"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syscall_relayer",
			Name:      "latency_seconds",
			Help:      "Relayer operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "service"},
	)

	for _, c := range []prometheus.Collector{counters, histogram} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":    name,
		"service": labels["service"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"service":   labels["service"],
	}).Observe(d.Seconds())
}
