// Package pipeline runs the costbench stages in order: ingest raw extracts
// into the partitioned store, consolidate the warehouse, derive KPIs and
// aggregate benchmarks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"costbench/internal/benchmark"
	"costbench/internal/classify"
	"costbench/internal/config"
	"costbench/internal/ingest"
	"costbench/internal/kpi"
	"costbench/internal/metrics"
	"costbench/internal/model"
	"costbench/internal/partition"
	"costbench/internal/warehouse"
)

// Stage names, in execution order.
const (
	StageIngest    = "ingest"
	StageBuild     = "build"
	StageKPI       = "kpi"
	StageBenchmark = "benchmark"
)

// Stages lists every stage in execution order.
var Stages = []string{StageIngest, StageBuild, StageKPI, StageBenchmark}

// ErrUnknownStage is returned by Run for a --from value outside Stages.
var ErrUnknownStage = errors.New("unknown stage")

// Pipeline holds the reference data and handles shared by the stages of
// one run.
type Pipeline struct {
	cfg     *config.Config
	store   *warehouse.Store
	parts   *partition.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	runID   uuid.UUID

	labels        *ingest.LabelDictionary
	jurisdictions *ingest.JurisdictionRef
	ruleset       *classify.Ruleset
	catalog       *kpi.Catalog
}

// New loads the reference files named by cfg. A bad reference file is a
// configuration error: nothing has been written when New fails.
func New(cfg *config.Config, store *warehouse.Store, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	runID := uuid.New()
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		parts:   partition.NewStore(cfg.Paths.PartitionDir),
		log:     log.With(zap.String("run_id", runID.String())),
		metrics: metrics.New(),
		runID:   runID,
	}

	var err error
	if cfg.Paths.LabelDictionary != "" {
		if p.labels, err = ingest.LoadLabelDictionary(cfg.Paths.LabelDictionary); err != nil {
			return nil, err
		}
	}
	if p.jurisdictions, err = ingest.LoadJurisdictions(cfg.Paths.JurisdictionFile); err != nil {
		return nil, err
	}
	if p.ruleset, err = classify.LoadRuleset(cfg.Paths.ClassificationFile); err != nil {
		return nil, err
	}
	if p.catalog, err = kpi.LoadCatalog(cfg.Paths.CatalogFile); err != nil {
		return nil, err
	}
	return p, nil
}

// RunID identifies this run in logs, build_run and result rows.
func (p *Pipeline) RunID() uuid.UUID { return p.runID }

// Metrics returns the run's metric set.
func (p *Pipeline) Metrics() *metrics.Metrics { return p.metrics }

// Partitions returns the partitioned fact store.
func (p *Pipeline) Partitions() *partition.Store { return p.parts }

// Run executes the stages from the named stage onward. An empty from
// starts at ingest. Metrics are written to the configured textfile
// whether or not a stage fails.
func (p *Pipeline) Run(ctx context.Context, from string) (err error) {
	if from == "" {
		from = StageIngest
	}
	first := slices.Index(Stages, from)
	if first < 0 {
		return fmt.Errorf("%w %q (want one of %v)", ErrUnknownStage, from, Stages)
	}

	defer func() {
		if werr := p.metrics.WriteTextfile(p.cfg.Paths.MetricsFile); werr != nil && err == nil {
			err = werr
		}
	}()

	start := time.Now()
	p.log.Info("pipeline started", zap.String("from", from))
	for _, stage := range Stages[first:] {
		if err := p.runStage(ctx, stage); err != nil {
			p.log.Error("stage failed", zap.String("stage", stage), zap.Error(err))
			return fmt.Errorf("%s: %w", stage, err)
		}
	}
	p.log.Info("pipeline done", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage string) error {
	var err error
	switch stage {
	case StageIngest:
		_, err = p.Ingest(ctx)
	case StageBuild:
		_, err = p.Build(ctx)
	case StageKPI:
		_, err = p.KPI(ctx)
	case StageBenchmark:
		_, err = p.Benchmark(ctx)
	}
	return err
}

// IngestReport summarizes the ingest stage.
type IngestReport struct {
	Cells   int
	Missing int
	Facts   map[string]int
	Stats   ingest.Stats
}

// Ingest normalizes every configured (jurisdiction, year) cell and writes
// one partition per worksheet. A cell with no facts for a worksheet
// removes that partition, so re-ingesting a cell replaces it. Cells whose
// extracts are missing are skipped and leave existing partitions alone.
func (p *Pipeline) Ingest(ctx context.Context) (*IngestReport, error) {
	defer p.metrics.ObserveStage(StageIngest, time.Now())
	start := time.Now()

	jurisdictions, err := p.jurisdictions.ResolveAll(p.cfg.Ingest.Jurisdictions)
	if err != nil {
		return nil, fmt.Errorf("resolve jurisdictions: %w", err)
	}
	worksheets := make([]string, 0, len(p.cfg.Ingest.Worksheets))
	for _, ws := range p.cfg.Ingest.Worksheets {
		ws = model.NormalizeWorksheet(ws)
		if err := model.ValidateWorksheet(ws); err != nil {
			return nil, err
		}
		worksheets = append(worksheets, ws)
	}

	n := ingest.NewNormalizer(p.cfg.Paths.RawDir, p.cfg.Ingest.NumericTemplate, p.cfg.Ingest.ReportTemplate, p.labels, p.log)
	plan, err := n.Plan(jurisdictions, p.cfg.Ingest.FiscalYears)
	if err != nil {
		return nil, err
	}
	for _, pair := range plan.Missing {
		p.log.Warn("extract pair missing",
			zap.String("jurisdiction", pair.Jurisdiction),
			zap.Int("fiscal_year", pair.FiscalYear))
		p.metrics.CellSkipped()
	}

	report := &IngestReport{Missing: len(plan.Missing), Facts: make(map[string]int, len(worksheets))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Ingest.Workers)
	for _, pair := range plan.Ready {
		g.Go(func() error {
			res, err := n.Cell(gctx, pair.Jurisdiction, pair.FiscalYear, worksheets)
			if err != nil {
				return fmt.Errorf("normalize %s/%d: %w", pair.Jurisdiction, pair.FiscalYear, err)
			}
			if res.Skipped {
				p.metrics.CellSkipped()
			} else {
				for _, ws := range worksheets {
					c := partition.Cell{Worksheet: ws, Jurisdiction: pair.Jurisdiction, FiscalYear: pair.FiscalYear}
					if err := p.parts.WriteCell(c, res.Facts[ws]); err != nil {
						return err
					}
					p.metrics.FactsIngested(ws, len(res.Facts[ws]))
				}
				p.metrics.CellWritten()
			}

			mu.Lock()
			defer mu.Unlock()
			if !res.Skipped {
				report.Cells++
			}
			report.Stats.Add(res.Stats)
			for ws, facts := range res.Facts {
				report.Facts[ws] += len(facts)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for reason, count := range report.Stats.Dropped() {
		p.metrics.RowsDropped(reason, count)
	}
	p.log.Info("ingest done",
		zap.Int("cells", report.Cells),
		zap.Int("missing", report.Missing),
		zap.Int("facts", report.Stats.Facts),
		zap.Int("malformed", report.Stats.Malformed),
		zap.Int("unmatched_report", report.Stats.UnmatchedReport),
		zap.Int("superseded", report.Stats.Superseded),
		zap.Int("unlabeled", report.Stats.Unlabeled),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// Build consolidates the partitioned store into the warehouse.
func (p *Pipeline) Build(ctx context.Context) (*warehouse.BuildReport, error) {
	defer p.metrics.ObserveStage(StageBuild, time.Now())
	return p.store.Rebuild(ctx, p.parts, warehouse.RebuildOptions{
		RunID:         p.runID,
		Worksheets:    p.cfg.Ingest.Worksheets,
		Jurisdictions: p.jurisdictions.All(),
		Classifier:    p.ruleset,
		Attempts:      p.cfg.Build.Attempts,
		CopyBatch:     p.cfg.Build.CopyBatch,
		Metrics:       p.metrics,
	})
}

// KPI evaluates the catalog for the configured fiscal years and replaces
// their KPI rows.
func (p *Pipeline) KPI(ctx context.Context) (*kpi.Batch, error) {
	defer p.metrics.ObserveStage(StageKPI, time.Now())
	years := p.cfg.Ingest.FiscalYears

	e := kpi.NewEngine(p.catalog, p.store, p.cfg.KPI.Workers, p.log, p.metrics)
	batch, err := e.Run(ctx, years)
	if err != nil {
		return nil, err
	}
	n, err := p.store.ReplaceKPIs(ctx, p.runID, years, batch.Results)
	if err != nil {
		return nil, err
	}
	p.log.Info("kpi rows stored", zap.Int64("rows", n))
	return batch, nil
}

// Benchmark recomputes the benchmarks of the configured fiscal years.
func (p *Pipeline) Benchmark(ctx context.Context) (*benchmark.Result, error) {
	defer p.metrics.ObserveStage(StageBenchmark, time.Now())
	return benchmark.NewEngine(p.store, p.runID, p.log, p.metrics).Run(ctx, p.cfg.Ingest.FiscalYears)
}
