package kpi

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"costbench/internal/metrics"
	"costbench/internal/model"
)

// Reason says why a KPI value is null.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonMissingNumerator       Reason = "missing_numerator"
	ReasonMissingDenominator     Reason = "missing_denominator"
	ReasonNonPositiveDenominator Reason = "non_positive_denominator"
	ReasonMissingWorksheet       Reason = "missing_worksheet"
	ReasonNonFinite              Reason = "non_finite"
	ReasonEvaluationError        Reason = "evaluation_error"
)

// Evaluate computes f over the facts of one provider-year. available lists
// the consolidated worksheets; nil skips that check. A panic inside the
// evaluation is reported as ReasonEvaluationError.
func (f *Formula) Evaluate(facts []model.WorksheetFact, available map[string]bool) (v *float64, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			v, reason = nil, ReasonEvaluationError
		}
	}()

	if available != nil {
		for _, side := range [][]Selector{f.Numerator, f.Denominator} {
			for i := range side {
				if !available[side[i].Worksheet] {
					return nil, ReasonMissingWorksheet
				}
			}
		}
	}

	num, ok := sum(f.Numerator, facts)
	if !ok {
		return nil, ReasonMissingNumerator
	}
	den, ok := sum(f.Denominator, facts)
	if !ok {
		return nil, ReasonMissingDenominator
	}
	if den <= 0 {
		return nil, ReasonNonPositiveDenominator
	}
	out := num / den * f.Scale
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return nil, ReasonNonFinite
	}
	return &out, ReasonNone
}

// sum adds the signed values of facts matched by any selector. ok is false
// when no fact matched the selectors' coordinates; values removed by a
// positivity filter still count as matched.
func sum(sels []Selector, facts []model.WorksheetFact) (total float64, ok bool) {
	for i := range facts {
		for k := range sels {
			s := &sels[k]
			if !s.matches(&facts[i]) {
				continue
			}
			ok = true
			v := facts[i].Value
			if s.PositiveOnly && v <= 0 {
				continue
			}
			total += s.Sign * v
		}
	}
	return total, ok
}

// FactSource is the warehouse side of KPI evaluation. *warehouse.Store
// implements it.
type FactSource interface {
	Worksheets(ctx context.Context) ([]string, error)
	ProviderYears(ctx context.Context, years []int) ([]model.ProviderYear, error)
	ScanFacts(ctx context.Context, years []int, worksheets []string, fn func(model.WorksheetFact) error) error
}

// Batch is the outcome of one Run.
type Batch struct {
	// Results holds one value per (unit, formula), ordered by provider,
	// year and catalog order.
	Results []model.KPIValue
	Units   int
	// Computed counts non-null results.
	Computed int
	// Reasons counts null results by reason.
	Reasons map[Reason]int
}

// Engine evaluates the catalog for every provider-year of the requested
// fiscal years.
type Engine struct {
	catalog *Catalog
	src     FactSource
	workers int
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine returns an engine over a compiled catalog.
func NewEngine(catalog *Catalog, src FactSource, workers int, log *zap.Logger, m *metrics.Metrics) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{catalog: catalog, src: src, workers: workers, log: log, metrics: m}
}

// Run evaluates every formula for every (provider, year) unit of years.
// Units are evaluated in parallel and never fail the batch: a failed
// formula yields a null value with a reason. Only source errors and
// cancellation are returned.
func (e *Engine) Run(ctx context.Context, years []int) (*Batch, error) {
	start := time.Now()
	ws, err := e.src.Worksheets(ctx)
	if err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(ws))
	for _, w := range ws {
		available[w] = true
	}

	batch := &Batch{Reasons: make(map[Reason]int)}
	for _, year := range years {
		results, units, err := e.runYear(ctx, year, available)
		if err != nil {
			return nil, err
		}
		batch.Units += units
		batch.Results = append(batch.Results, results...)
	}

	for _, r := range batch.Results {
		if r.Value != nil {
			batch.Computed++
			e.metrics.KPIResult(r.KPIName, "ok")
			continue
		}
		batch.Reasons[Reason(r.FailureReason)]++
		e.metrics.KPIResult(r.KPIName, r.FailureReason)
	}

	reasons := make(map[string]int, len(batch.Reasons))
	for r, n := range batch.Reasons {
		reasons[string(r)] = n
	}
	e.log.Info("kpi evaluation done",
		zap.Ints("fiscal_years", years),
		zap.Int("units", batch.Units),
		zap.Int("results", len(batch.Results)),
		zap.Int("computed", batch.Computed),
		zap.Any("null_reasons", reasons),
		zap.Duration("elapsed", time.Since(start)))
	return batch, nil
}

func (e *Engine) runYear(ctx context.Context, year int, available map[string]bool) ([]model.KPIValue, int, error) {
	units, err := e.src.ProviderYears(ctx, []int{year})
	if err != nil {
		return nil, 0, err
	}
	if len(units) == 0 {
		e.log.Warn("no providers for fiscal year", zap.Int("fiscal_year", year))
		return nil, 0, nil
	}

	index := make(map[model.ProviderYear]int, len(units))
	for i, u := range units {
		index[u] = i
	}
	facts := make([][]model.WorksheetFact, len(units))
	err = e.src.ScanFacts(ctx, []int{year}, e.catalog.Worksheets(), func(f model.WorksheetFact) error {
		if i, ok := index[model.ProviderYear{ProviderID: f.ProviderID, FiscalYear: f.FiscalYear}]; ok {
			facts[i] = append(facts[i], f)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load facts for %d: %w", year, err)
	}

	nf := len(e.catalog.Formulas)
	results := make([]model.KPIValue, len(units)*nf)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for k := range e.catalog.Formulas {
				f := &e.catalog.Formulas[k]
				v, reason := f.Evaluate(facts[i], available)
				results[i*nf+k] = model.KPIValue{
					ProviderID:    u.ProviderID,
					FiscalYear:    u.FiscalYear,
					KPIName:       f.Name,
					Value:         v,
					FailureReason: string(reason),
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return results, len(units), nil
}
