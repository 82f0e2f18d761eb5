// Package metrics provides Prometheus metrics for the conversion pipeline.
// Labels are restricted to small fixed sets; job and file ids never appear.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmittedTotal counts jobs accepted by intake.
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pdfarchive_jobs_submitted_total",
		Help: "Total number of conversion jobs accepted.",
	})

	// JobsFinishedTotal counts jobs reaching a terminal status.
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfarchive_jobs_finished_total",
		Help: "Total number of conversion jobs finished, by terminal status.",
	}, []string{"status"})

	// FilesFinishedTotal counts files reaching a terminal status.
	FilesFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfarchive_files_finished_total",
		Help: "Total number of files finished, by terminal status.",
	}, []string{"status"})

	// ConversionDuration observes the wall time of single-file conversions.
	ConversionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pdfarchive_conversion_duration_seconds",
		Help:    "Duration of single-file conversions.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	// JobsInFlight tracks jobs currently held by a worker.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pdfarchive_jobs_in_flight",
		Help: "Number of jobs currently being processed.",
	})

	// UploadsRejectedTotal counts uploads refused at intake, by reason.
	UploadsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pdfarchive_uploads_rejected_total",
		Help: "Total number of uploads rejected at intake, by reason.",
	}, []string{"reason"})
)

// Upload rejection reasons.
const (
	RejectNoFiles   = "no_files"
	RejectTooMany   = "too_many_files"
	RejectTooLarge  = "too_large"
	RejectNotPDF    = "not_pdf"
	RejectOptions   = "invalid_options"
	RejectQueueFull = "queue_full"
)

func RecordJobFinished(status string) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
}

func RecordFileFinished(status string, took time.Duration) {
	FilesFinishedTotal.WithLabelValues(status).Inc()
	ConversionDuration.Observe(took.Seconds())
}

func RecordUploadRejected(reason string) {
	UploadsRejectedTotal.WithLabelValues(reason).Inc()
}
