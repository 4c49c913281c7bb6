package warehouse

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"costbench/internal/model"
)

// Worksheets returns the consolidated worksheet codes.
func (s *Store) Worksheets(ctx context.Context) ([]string, error) {
	ws, err := queryStrings(ctx, s.pool,
		`SELECT DISTINCT worksheet_code FROM worksheet_summary ORDER BY worksheet_code`)
	if err != nil {
		return nil, fmt.Errorf("list worksheets: %w", err)
	}
	return ws, nil
}

// FiscalYears returns the fiscal years present in the warehouse.
func (s *Store) FiscalYears(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT fiscal_year FROM worksheet_summary ORDER BY fiscal_year`)
	if err != nil {
		return nil, fmt.Errorf("list fiscal years: %w", err)
	}
	years, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("list fiscal years: %w", err)
	}
	out := make([]int, len(years))
	for i, y := range years {
		out[i] = int(y)
	}
	return out, nil
}

// ProviderYears returns every (provider, year) with at least one fact in
// the given years.
func (s *Store) ProviderYears(ctx context.Context, years []int) ([]model.ProviderYear, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT provider_id, fiscal_year FROM all_facts
		 WHERE fiscal_year = ANY($1)
		 ORDER BY provider_id, fiscal_year`, int32Slice(years))
	if err != nil {
		return nil, fmt.Errorf("list provider years: %w", err)
	}
	units, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.ProviderYear])
	if err != nil {
		return nil, fmt.Errorf("list provider years: %w", err)
	}
	return units, nil
}

// ScanFacts streams the facts of the given years and worksheets ordered by
// (provider_id, fiscal_year). Only identity, code and value columns are
// filled.
func (s *Store) ScanFacts(ctx context.Context, years []int, worksheets []string, fn func(model.WorksheetFact) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT jurisdiction, provider_id, fiscal_year, worksheet_code, line_code, column_code, value
		 FROM all_facts
		 WHERE fiscal_year = ANY($1) AND worksheet_code = ANY($2)
		 ORDER BY provider_id, fiscal_year`, int32Slice(years), worksheets)
	if err != nil {
		return fmt.Errorf("scan facts: %w", err)
	}
	var f model.WorksheetFact
	_, err = pgx.ForEachRow(rows,
		[]any{&f.Jurisdiction, &f.ProviderID, &f.FiscalYear, &f.WorksheetCode, &f.LineCode, &f.ColumnCode, &f.Value},
		func() error { return fn(f) })
	if err != nil {
		return fmt.Errorf("scan facts: %w", err)
	}
	return nil
}

// ReplaceKPIs deletes the KPI rows of years and copies results in their
// place, in one transaction.
func (s *Store) ReplaceKPIs(ctx context.Context, runID uuid.UUID, years []int, results []model.KPIValue) (int64, error) {
	if s.readOnly {
		return 0, errReadOnly
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin kpi replace: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM kpi WHERE fiscal_year = ANY($1)`, int32Slice(years))
	if err != nil {
		return 0, fmt.Errorf("delete kpi: %w", err)
	}

	id := pgUUID(runID)
	rows := make([][]any, len(results))
	for i := range results {
		r := &results[i]
		rows[i] = []any{r.ProviderID, r.FiscalYear, r.KPIName, float64ToFloat8(r.Value), textOrNull(r.FailureReason), id}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"kpi"},
		[]string{"provider_id", "fiscal_year", "kpi_name", "value", "failure_reason", "run_id"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy kpi: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit kpi replace: %w", err)
	}
	s.log.Info("kpi results replaced",
		zap.String("run_id", runID.String()),
		zap.Ints("fiscal_years", years),
		zap.Int64("deleted", tag.RowsAffected()),
		zap.Int64("inserted", n))
	return n, nil
}

// Observations returns KPI values of the given years joined to provider
// classification. Null values are included.
func (s *Store) Observations(ctx context.Context, years []int) ([]model.KPIObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT k.provider_id, c.jurisdiction, c.facility_type, k.fiscal_year, k.kpi_name, k.value
		 FROM kpi k
		 JOIN provider_classification c ON c.provider_id = k.provider_id
		 WHERE k.fiscal_year = ANY($1)
		 ORDER BY k.kpi_name, k.fiscal_year, k.provider_id`, int32Slice(years))
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	var (
		out []model.KPIObservation
		o   model.KPIObservation
		v   pgtype.Float8
	)
	_, err = pgx.ForEachRow(rows,
		[]any{&o.ProviderID, &o.Jurisdiction, &o.FacilityType, &o.FiscalYear, &o.KPIName, &v},
		func() error {
			o.Value = float8ToPtr(v)
			out = append(out, o)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	return out, nil
}

// BenchmarkWrite counts the effect of WriteBenchmarks.
type BenchmarkWrite struct {
	Upserted int64
	Stale    int64
}

const upsertBenchmark = `INSERT INTO benchmark
	(kpi_name, level, jurisdiction, facility_type, fiscal_year,
	 provider_count, p25, median, p75, mean, run_id, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (kpi_name, level, (COALESCE(jurisdiction, '')), (COALESCE(facility_type, '')), fiscal_year)
DO UPDATE SET
	provider_count = EXCLUDED.provider_count,
	p25            = EXCLUDED.p25,
	median         = EXCLUDED.median,
	p75            = EXCLUDED.p75,
	mean           = EXCLUDED.mean,
	run_id         = EXCLUDED.run_id,
	computed_at    = EXCLUDED.computed_at`

// WriteBenchmarks upserts rows by their natural key, then deletes every
// benchmark row of years whose key is not among rows. Both steps share one
// transaction, so after a write the benchmarks of years are exactly rows,
// whichever run wrote them before.
func (s *Store) WriteBenchmarks(ctx context.Context, runID uuid.UUID, years []int, rows []model.Benchmark) (BenchmarkWrite, error) {
	var w BenchmarkWrite
	if s.readOnly {
		return w, errReadOnly
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return w, fmt.Errorf("begin benchmark write: %w", err)
	}
	defer tx.Rollback(ctx)

	id := pgUUID(runID)
	batch := &pgx.Batch{}
	for i := range rows {
		b := &rows[i]
		batch.Queue(upsertBenchmark,
			b.KPIName, b.Level, optToPgText(b.Jurisdiction), optToPgText(b.FacilityType), b.FiscalYear,
			b.ProviderCount, b.P25, b.Median, b.P75, b.Mean, id)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range rows {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return w, fmt.Errorf("upsert benchmark: %w", err)
			}
			w.Upserted += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return w, fmt.Errorf("upsert benchmark: %w", err)
		}
	}

	if len(years) > 0 {
		var (
			names  = make([]string, len(rows))
			levels = make([]string, len(rows))
			jurs   = make([]string, len(rows))
			types  = make([]string, len(rows))
			fys    = make([]int32, len(rows))
		)
		for i := range rows {
			k := rows[i].Key()
			names[i], levels[i], jurs[i], types[i], fys[i] = k.KPIName, k.Level, k.Jurisdiction, k.FacilityType, k.FiscalYear
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM benchmark b
			 WHERE b.fiscal_year = ANY($1)
			   AND NOT EXISTS (
				SELECT 1 FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::int[])
					AS k(kpi_name, level, jurisdiction, facility_type, fiscal_year)
				WHERE k.kpi_name = b.kpi_name
				  AND k.level = b.level
				  AND k.jurisdiction = COALESCE(b.jurisdiction, '')
				  AND k.facility_type = COALESCE(b.facility_type, '')
				  AND k.fiscal_year = b.fiscal_year)`,
			int32Slice(years), names, levels, jurs, types, fys)
		if err != nil {
			return w, fmt.Errorf("delete stale benchmarks: %w", err)
		}
		w.Stale = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return w, fmt.Errorf("commit benchmark write: %w", err)
	}
	return w, nil
}
