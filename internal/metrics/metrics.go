// Package metrics holds the prometheus collectors of the render backend
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one process
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted   *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	FramesEncoded   prometheus.Counter
	FramesDropped   prometheus.Counter
	SessionDuration *prometheus.HistogramVec
	UploadBytes     prometheus.Counter
}

// New registers every collector on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cutline_render_jobs_submitted_total",
				Help: "Render jobs accepted by the API",
			},
			[]string{"format", "quality"},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cutline_render_jobs_finished_total",
				Help: "Render jobs that reached a terminal state",
			},
			[]string{"state"},
		),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutline_render_sessions_active",
			Help: "Headless sessions currently rendering",
		}),
		FramesEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutline_encoder_frames_total",
			Help: "Frames written to an encoder sink",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutline_session_frames_dropped_total",
			Help: "Trailing frames counted by sessions but not sent to the encoder",
		}),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cutline_render_session_seconds",
				Help:    "Wall time of headless render sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"result"},
		),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cutline_storage_upload_bytes_total",
			Help: "Bytes uploaded to object storage",
		}),
	}

	m.registry.MustRegister(
		m.JobsSubmitted,
		m.JobsFinished,
		m.ActiveSessions,
		m.FramesEncoded,
		m.FramesDropped,
		m.SessionDuration,
		m.UploadBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the text exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
