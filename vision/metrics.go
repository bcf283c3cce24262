package vision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensight",
		Subsystem: "acquisition",
		Name:      "frames_captured_total",
		Help:      "Frames captured per camera, after orientation correction.",
	}, []string{"camera"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensight",
		Subsystem: "acquisition",
		Name:      "frames_dropped_total",
		Help:      "Frames evicted from full pipeline queues, per camera.",
	}, []string{"camera"})

	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensight",
		Subsystem: "processing",
		Name:      "frames_processed_total",
		Help:      "Frames successfully processed per pipeline.",
	}, []string{"pipeline"})

	processErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensight",
		Subsystem: "processing",
		Name:      "errors_total",
		Help:      "Per-frame strategy failures per pipeline.",
	}, []string{"pipeline"})

	processingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opensight",
		Subsystem: "processing",
		Name:      "duration_seconds",
		Help:      "Strategy processing duration per pipeline.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"pipeline"})
)
