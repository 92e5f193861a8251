// Package metrics exports realtime-core metrics in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the server's operational metrics. All methods are
// safe for concurrent use and nil-safe so wiring stays optional in tests.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	roomsActive    prometheus.Gauge

	generationsTotal *prometheus.CounterVec
	chunksStreamed   prometheus.Counter
	tokensUsed       *prometheus.CounterVec
	generationTime   prometheus.Histogram

	framesTotal *prometheus.CounterVec
}

// NewCollector registers the metric families on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "branchtalk_sessions_active",
			Help: "Number of live websocket sessions.",
		}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "branchtalk_rooms_active",
			Help: "Number of rooms with at least one member.",
		}),
		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "branchtalk_generations_total",
			Help: "Completed generations by outcome.",
		}, []string{"status"}),
		chunksStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "branchtalk_stream_chunks_total",
			Help: "Streamed chunks fanned out to rooms.",
		}),
		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "branchtalk_tokens_total",
			Help: "Model tokens consumed.",
		}, []string{"model", "direction"}),
		generationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "branchtalk_generation_seconds",
			Help:    "Wall time of one generation.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "branchtalk_frames_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
	}

	registry.MustRegister(
		c.sessionsActive, c.roomsActive, c.generationsTotal,
		c.chunksStreamed, c.tokensUsed, c.generationTime, c.framesTotal,
	)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.sessionsActive.Dec()
	}
}

func (c *Collector) SetActiveRooms(n int) {
	if c != nil {
		c.roomsActive.Set(float64(n))
	}
}

func (c *Collector) GenerationFinished(status string, seconds float64) {
	if c != nil {
		c.generationsTotal.WithLabelValues(status).Inc()
		c.generationTime.Observe(seconds)
	}
}

func (c *Collector) ChunkStreamed() {
	if c != nil {
		c.chunksStreamed.Inc()
	}
}

func (c *Collector) TokensUsed(model string, input, output int) {
	if c != nil {
		c.tokensUsed.WithLabelValues(model, "input").Add(float64(input))
		c.tokensUsed.WithLabelValues(model, "output").Add(float64(output))
	}
}

func (c *Collector) FrameReceived(frameType string) {
	if c != nil {
		c.framesTotal.WithLabelValues(frameType).Inc()
	}
}
