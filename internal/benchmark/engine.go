package benchmark

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"costbench/internal/metrics"
	"costbench/internal/model"
	"costbench/internal/warehouse"
)

// Store loads observations and persists benchmark rows. *warehouse.Store
// implements it.
type Store interface {
	Observations(ctx context.Context, years []int) ([]model.KPIObservation, error)
	WriteBenchmarks(ctx context.Context, runID uuid.UUID, years []int, rows []model.Benchmark) (warehouse.BenchmarkWrite, error)
}

// Result summarizes one Run.
type Result struct {
	Observations int
	Rows         []model.Benchmark
	Recomputed   []model.KPIYear
	Write        warehouse.BenchmarkWrite
}

// Engine recomputes and stores benchmarks.
type Engine struct {
	store   Store
	runID   uuid.UUID
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine returns an engine that tags its rows with runID.
func NewEngine(store Store, runID uuid.UUID, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, runID: runID, log: log, metrics: m}
}

// Run recomputes the benchmarks of years in full from the KPI observations
// of those years. Rows are upserted by key; any other benchmark row of
// years, including rows of KPIs no longer in the kpi table, is removed.
func (e *Engine) Run(ctx context.Context, years []int) (*Result, error) {
	start := time.Now()
	obs, err := e.store.Observations(ctx, years)
	if err != nil {
		return nil, err
	}

	rows := Compute(obs)
	recomputed := kpiYears(obs)

	w, err := e.store.WriteBenchmarks(ctx, e.runID, years, rows)
	if err != nil {
		return nil, err
	}

	perLevel := make(map[string]int, len(model.Levels))
	for _, r := range rows {
		perLevel[r.Level]++
	}
	for _, level := range model.Levels {
		e.metrics.BenchmarkRows(level, perLevel[level])
	}

	e.log.Info("benchmarks written",
		zap.String("run_id", e.runID.String()),
		zap.Ints("fiscal_years", years),
		zap.Int("observations", len(obs)),
		zap.Int("kpi_years", len(recomputed)),
		zap.Int("rows", len(rows)),
		zap.Int64("stale_removed", w.Stale),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{Observations: len(obs), Rows: rows, Recomputed: recomputed, Write: w}, nil
}

func kpiYears(obs []model.KPIObservation) []model.KPIYear {
	seen := make(map[model.KPIYear]bool)
	var out []model.KPIYear
	for _, o := range obs {
		k := model.KPIYear{KPIName: o.KPIName, FiscalYear: o.FiscalYear}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].KPIName != out[j].KPIName {
			return out[i].KPIName < out[j].KPIName
		}
		return out[i].FiscalYear < out[j].FiscalYear
	})
	return out
}
