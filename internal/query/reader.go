// Package query serves read-only point queries over the warehouse to
// dashboards and other consumers, through a bounded cache.
package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"costbench/internal/cache"
	"costbench/internal/config"
	"costbench/internal/model"
	"costbench/internal/warehouse"
)

// Backend answers uncached queries. *warehouse.Store implements it.
type Backend interface {
	ProviderKPIs(ctx context.Context, providerID string, year int) ([]model.KPIValue, error)
	Benchmarks(ctx context.Context, f warehouse.BenchmarkFilter) ([]model.Benchmark, error)
	Classification(ctx context.Context, providerID string) (model.ProviderClassification, error)
	ProviderFacts(ctx context.Context, providerID string, year int, worksheet string) ([]model.WorksheetFact, error)
	Coverage(ctx context.Context, providerID string) (model.ProviderCoverage, error)
}

// Reader caches Backend results by query and arguments.
type Reader struct {
	backend Backend
	cache   *cache.Cache[string, any]
	close   func()
}

// NewReader wraps backend with a cache of size entries, each kept for ttl.
func NewReader(backend Backend, size int, ttl time.Duration) *Reader {
	return &Reader{backend: backend, cache: cache.New[string, any](size, ttl)}
}

// Open connects a read-only warehouse handle and wraps it. Consumers call
// Close and Open again after a rebuild.
func Open(ctx context.Context, db config.DatabaseConfig, c config.CacheConfig, log *zap.Logger) (*Reader, error) {
	store, err := warehouse.OpenReadOnly(ctx, db, log)
	if err != nil {
		return nil, err
	}
	r := NewReader(store, c.Size, c.TTL)
	r.close = store.Close
	return r, nil
}

// Close releases the underlying connection when the reader owns it.
func (r *Reader) Close() {
	if r.close != nil {
		r.close()
	}
}

// Invalidate drops every cached result.
func (r *Reader) Invalidate() {
	r.cache.Purge()
}

// CacheStats returns cache hits and misses.
func (r *Reader) CacheStats() (hits, misses int64) {
	return r.cache.Stats()
}

func cached[V any](ctx context.Context, r *Reader, key string, load func(context.Context) (V, error)) (V, error) {
	v, err := r.cache.GetOrLoad(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// ProviderKPIs returns a provider's KPI values; year 0 means all years.
func (r *Reader) ProviderKPIs(ctx context.Context, providerID string, year int) ([]model.KPIValue, error) {
	key := fmt.Sprintf("kpi|%s|%d", providerID, year)
	return cached(ctx, r, key, func(ctx context.Context) ([]model.KPIValue, error) {
		return r.backend.ProviderKPIs(ctx, providerID, year)
	})
}

// Benchmarks returns benchmark rows matching f.
func (r *Reader) Benchmarks(ctx context.Context, f warehouse.BenchmarkFilter) ([]model.Benchmark, error) {
	key := fmt.Sprintf("bench|%s|%s|%s|%s|%d", f.KPIName, f.Level, f.Jurisdiction, f.FacilityType, f.FiscalYear)
	return cached(ctx, r, key, func(ctx context.Context) ([]model.Benchmark, error) {
		return r.backend.Benchmarks(ctx, f)
	})
}

// PeerBenchmarks returns the four cohort rows a provider belongs to for one
// KPI and year, in level order. Levels without a row are skipped.
func (r *Reader) PeerBenchmarks(ctx context.Context, providerID, kpiName string, year int) ([]model.Benchmark, error) {
	c, err := r.Classification(ctx, providerID)
	if err != nil {
		return nil, err
	}
	rows, err := r.Benchmarks(ctx, warehouse.BenchmarkFilter{KPIName: kpiName, FiscalYear: year})
	if err != nil {
		return nil, err
	}
	var out []model.Benchmark
	for _, b := range rows {
		jurOK := b.Jurisdiction == nil || *b.Jurisdiction == c.Jurisdiction
		typOK := b.FacilityType == nil || *b.FacilityType == c.FacilityType
		if jurOK && typOK {
			out = append(out, b)
		}
	}
	return out, nil
}

// Classification returns a provider's facility type.
func (r *Reader) Classification(ctx context.Context, providerID string) (model.ProviderClassification, error) {
	return cached(ctx, r, "class|"+providerID, func(ctx context.Context) (model.ProviderClassification, error) {
		return r.backend.Classification(ctx, providerID)
	})
}

// ProviderFacts returns a provider's facts for one year, optionally one
// worksheet.
func (r *Reader) ProviderFacts(ctx context.Context, providerID string, year int, worksheet string) ([]model.WorksheetFact, error) {
	key := fmt.Sprintf("facts|%s|%d|%s", providerID, year, model.NormalizeWorksheet(worksheet))
	return cached(ctx, r, key, func(ctx context.Context) ([]model.WorksheetFact, error) {
		return r.backend.ProviderFacts(ctx, providerID, year, worksheet)
	})
}

// Coverage returns the years a provider has filed.
func (r *Reader) Coverage(ctx context.Context, providerID string) (model.ProviderCoverage, error) {
	return cached(ctx, r, "cov|"+providerID, func(ctx context.Context) (model.ProviderCoverage, error) {
		return r.backend.Coverage(ctx, providerID)
	})
}
