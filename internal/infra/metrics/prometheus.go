package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_jobs_finished_total",
		Help: "Total number of pipeline runs that ended, by final state",
	}, []string{"state"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upscaler_phase_duration_seconds",
		Help:    "Duration of pipeline phases",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"phase"})

	FramesEnhancedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_frames_enhanced_total",
		Help: "Frames enhanced, by path (inference or fallback)",
	}, []string{"path"})

	TemporalBlendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upscaler_temporal_blends_total",
		Help: "Temporal smoothing attempts, by outcome",
	}, []string{"outcome"})

	FrameRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upscaler_frame_retries_total",
		Help: "Single-frame enhancement retries",
	})

	BatchFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upscaler_batch_fallbacks_total",
		Help: "Batches that degraded to sequential single-frame processing",
	})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upscaler_active_jobs",
		Help: "Number of pipeline runs currently in flight",
	})
)
