// Package telemetry records pipeline outcomes as Prometheus metrics and
// writes them to a node-exporter textfile at the end of a run.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cellqc/internal/audit"
	"cellqc/internal/services"
)

const metricsNamespace = "cellqc"

// Recorder holds the pipeline metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	CellsRemoved  *prometheus.CounterVec
	CellsRetained *prometheus.GaugeVec
	Fallbacks     *prometheus.CounterVec
	StageFailures *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	LastRun       prometheus.Gauge
}

// NewRecorder registers every metric on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		CellsRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cells_removed_total",
				Help:      "Cells removed by QC stage and cohort",
			},
			[]string{"cohort", "stage"},
		),
		CellsRetained: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cells_retained",
				Help:      "Cells remaining after the most recent stage of each cohort",
			},
			[]string{"cohort"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "threshold_fallbacks_total",
				Help:      "Threshold model fits that fell back to a percentile cutoff",
			},
			[]string{"cohort", "stage"},
		),
		StageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stage_failures_total",
				Help:      "Stage failures by error kind",
			},
			[]string{"cohort", "stage", "kind"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of one stage applied to one cohort",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"stage"},
		),
		LastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the most recent run finished",
			},
		),
	}
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveStage records a completed stage.
func (r *Recorder) ObserveStage(entry audit.Entry, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.CellsRemoved.WithLabelValues(entry.Cohort, entry.Stage).Add(float64(entry.Removed()))
	r.CellsRetained.WithLabelValues(entry.Cohort).Set(float64(entry.After))
	if entry.FallbackUsed {
		r.Fallbacks.WithLabelValues(entry.Cohort, entry.Stage).Inc()
	}
	r.StageDuration.WithLabelValues(entry.Stage).Observe(elapsed.Seconds())
}

// ObserveFailure records a failed stage.
func (r *Recorder) ObserveFailure(cohort, stage string, err error) {
	if r == nil {
		return
	}
	r.StageFailures.WithLabelValues(cohort, stage, services.Kind(err)).Inc()
}

// MarkFinished stamps the run completion time.
func (r *Recorder) MarkFinished(at time.Time) {
	if r == nil {
		return
	}
	r.LastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry in the Prometheus text format, replacing
// path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
