package listeners

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"llmgateway/internal/core"
)

// Metrics holds the stream collectors.
type Metrics struct {
	streams  *prometheus.CounterVec
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the stream collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		streams: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgateway_streams_total",
			Help: "Finished provider streams by vendor, context and outcome",
		}, []string{"vendor", "context", "outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgateway_stream_events_total",
			Help: "Normalized events emitted by provider streams",
		}, []string{"vendor", "type"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgateway_stream_duration_seconds",
			Help:    "Time from the first listener callback to stream termination",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"vendor"}),
	}
}

// Listener returns a listener that records one stream.
func (m *Metrics) Listener(vendor core.Vendor, context string) *MetricsListener {
	return &MetricsListener{metrics: m, vendor: string(vendor), context: context, start: time.Now()}
}

// MetricsListener counts events and the terminal outcome of a stream.
type MetricsListener struct {
	metrics *Metrics
	vendor  string
	context string
	start   time.Time
}

// OnNext implements broadcast.Listener.
func (l *MetricsListener) OnNext(ev core.Incoming) {
	l.metrics.events.WithLabelValues(l.vendor, string(ev.Type)).Inc()
}

// OnError implements broadcast.Listener.
func (l *MetricsListener) OnError(err error) {
	outcome := "failed"
	if core.IsCancellation(err) {
		outcome = "cancelled"
	}
	l.finish(outcome)
}

// OnComplete implements broadcast.Listener.
func (l *MetricsListener) OnComplete() {
	l.finish("completed")
}

func (l *MetricsListener) finish(outcome string) {
	l.metrics.streams.WithLabelValues(l.vendor, l.context, outcome).Inc()
	l.metrics.duration.WithLabelValues(l.vendor).Observe(time.Since(l.start).Seconds())
}
