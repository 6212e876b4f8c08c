package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the MJPEG channel server.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	activeViewers        prometheus.Gauge
	framesSentTotal      prometheus.Counter
	videosPlayedTotal    prometheus.Counter
	videosFailedTotal    prometheus.Counter
	uploadsTotal         prometheus.Counter
	uploadsRejectedTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	activeViewers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mjpegtv_active_viewers",
		Help: "Number of currently attached viewer connections across all streams",
	})
	framesSentTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_frames_sent_total",
		Help: "Total number of frames broadcast to viewers",
	})
	videosPlayedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_videos_played_total",
		Help: "Total number of queued videos played to completion and archived",
	})
	videosFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_videos_failed_total",
		Help: "Total number of queued videos archived with a decode error",
	})
	uploadsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_uploads_total",
		Help: "Total number of accepted video uploads",
	})
	uploadsRejectedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mjpegtv_uploads_rejected_total",
		Help: "Total number of rejected video uploads (bad secret or bad extension)",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		activeViewers,
		framesSentTotal,
		videosPlayedTotal,
		videosFailedTotal,
		uploadsTotal,
		uploadsRejectedTotal,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		activeViewers:        activeViewers,
		framesSentTotal:      framesSentTotal,
		videosPlayedTotal:    videosPlayedTotal,
		videosFailedTotal:    videosFailedTotal,
		uploadsTotal:         uploadsTotal,
		uploadsRejectedTotal: uploadsRejectedTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveViewers sets the active viewers gauge.
func (m *Metrics) SetActiveViewers(n int) {
	m.activeViewers.Set(float64(n))
}

// IncFramesSent increments the broadcast frames counter.
func (m *Metrics) IncFramesSent() {
	m.framesSentTotal.Inc()
}

// IncVideosPlayed increments the played videos counter.
func (m *Metrics) IncVideosPlayed() {
	m.videosPlayedTotal.Inc()
}

// IncVideosFailed increments the failed videos counter.
func (m *Metrics) IncVideosFailed() {
	m.videosFailedTotal.Inc()
}

// IncUploads increments the accepted uploads counter.
func (m *Metrics) IncUploads() {
	m.uploadsTotal.Inc()
}

// IncUploadsRejected increments the rejected uploads counter.
func (m *Metrics) IncUploadsRejected() {
	m.uploadsRejectedTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active viewers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
