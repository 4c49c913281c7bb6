// Package metrics collects per-run pipeline counters on a private
// Prometheus registry and writes them in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of collectors for one pipeline run. The zero value is
// not usable; use New. A nil *Metrics is accepted by every method and does
// nothing, so components can be used without metrics.
type Metrics struct {
	registry *prometheus.Registry

	factsIngested   *prometheus.CounterVec
	rowsDropped     *prometheus.CounterVec
	cellsSkipped    prometheus.Counter
	cellsWritten    prometheus.Counter
	worksheetsBuilt *prometheus.CounterVec
	kpiResults      *prometheus.CounterVec
	benchmarkRows   *prometheus.CounterVec
	stageSeconds    *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		factsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "facts_ingested_total",
			Help:      "Normalized worksheet facts emitted by ingestion.",
		}, []string{"worksheet"}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "rows_dropped_total",
			Help:      "Source rows dropped during ingestion, by reason.",
		}, []string{"reason"}),
		cellsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "cells_skipped_total",
			Help:      "Jurisdiction/year pairs skipped for a missing extract.",
		}),
		cellsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "partition_cells_written_total",
			Help:      "Partition cells written to the columnar store.",
		}),
		worksheetsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "worksheets_consolidated_total",
			Help:      "Worksheets consolidated into the warehouse, by outcome.",
		}, []string{"outcome"}),
		kpiResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "kpi_results_total",
			Help:      "KPI evaluations, by outcome.",
		}, []string{"kpi", "outcome"}),
		benchmarkRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costbench",
			Name:      "benchmark_rows_total",
			Help:      "Benchmark rows written, by level.",
		}, []string{"level"}),
		stageSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "costbench",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the last execution of each stage.",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		m.factsIngested, m.rowsDropped, m.cellsSkipped, m.cellsWritten,
		m.worksheetsBuilt, m.kpiResults, m.benchmarkRows, m.stageSeconds,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FactsIngested(worksheet string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.factsIngested.WithLabelValues(worksheet).Add(float64(n))
}

func (m *Metrics) RowsDropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) CellSkipped() {
	if m == nil {
		return
	}
	m.cellsSkipped.Inc()
}

func (m *Metrics) CellWritten() {
	if m == nil {
		return
	}
	m.cellsWritten.Inc()
}

func (m *Metrics) WorksheetBuilt(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "abandoned"
	}
	m.worksheetsBuilt.WithLabelValues(outcome).Inc()
}

func (m *Metrics) KPIResult(kpi, outcome string) {
	if m == nil {
		return
	}
	m.kpiResults.WithLabelValues(kpi, outcome).Inc()
}

func (m *Metrics) BenchmarkRows(level string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.benchmarkRows.WithLabelValues(level).Add(float64(n))
}

// ObserveStage records the duration of a stage that started at start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Set(time.Since(start).Seconds())
}

// WriteTextfile writes all metrics to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
