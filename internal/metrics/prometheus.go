package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nlb_agent"

// Prometheus maps the dotted metric names onto three labeled vectors.
type Prometheus struct {
	counters  *prometheus.CounterVec
	gauges    *prometheus.GaugeVec
	durations *prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Agent event counters by name.",
		}, []string{"name"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Agent state gauges by name.",
		}, []string{"name"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Agent durations by name.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"name"}),
	}
	reg.MustRegister(p.counters, p.gauges, p.durations)
	return p
}

func label(metric string) string {
	return strings.ReplaceAll(metric, ".", "_")
}

func (p *Prometheus) Increment(metric string) {
	p.counters.WithLabelValues(label(metric)).Inc()
}

func (p *Prometheus) Duration(metric string, duration time.Duration) {
	p.durations.WithLabelValues(label(metric)).Observe(duration.Seconds())
}

func (p *Prometheus) Gauge(metric string, value int) {
	p.gauges.WithLabelValues(label(metric)).Set(float64(value))
}
