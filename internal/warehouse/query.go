package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"costbench/internal/model"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// BenchmarkFilter narrows Benchmarks. Zero fields match everything.
type BenchmarkFilter struct {
	KPIName      string
	Level        string
	Jurisdiction string
	FacilityType string
	FiscalYear   int
}

// BuildRun is one row of build_run.
type BuildRun struct {
	RunID      string
	Worksheets []string
	Abandoned  []string
	FactCount  int64
}

// ProviderKPIs returns the KPI values of a provider, all years when year
// is 0.
func (s *Store) ProviderKPIs(ctx context.Context, providerID string, year int) ([]model.KPIValue, error) {
	sql := `SELECT provider_id, fiscal_year, kpi_name, value, failure_reason FROM kpi WHERE provider_id = $1`
	args := []any{providerID}
	if year != 0 {
		sql += ` AND fiscal_year = $2`
		args = append(args, int32(year))
	}
	sql += ` ORDER BY fiscal_year, kpi_name`
	return s.queryKPIs(ctx, sql, args...)
}

// KPIs returns every KPI row of the given years.
func (s *Store) KPIs(ctx context.Context, years []int) ([]model.KPIValue, error) {
	return s.queryKPIs(ctx,
		`SELECT provider_id, fiscal_year, kpi_name, value, failure_reason FROM kpi
		 WHERE fiscal_year = ANY($1)
		 ORDER BY kpi_name, fiscal_year, provider_id`, int32Slice(years))
}

func (s *Store) queryKPIs(ctx context.Context, sql string, args ...any) ([]model.KPIValue, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query kpi: %w", err)
	}
	var (
		out    []model.KPIValue
		k      model.KPIValue
		v      pgtype.Float8
		reason pgtype.Text
	)
	_, err = pgx.ForEachRow(rows, []any{&k.ProviderID, &k.FiscalYear, &k.KPIName, &v, &reason}, func() error {
		k.Value = float8ToPtr(v)
		k.FailureReason = reason.String
		out = append(out, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query kpi: %w", err)
	}
	return out, nil
}

// Benchmarks returns benchmark rows matching f, ordered by kpi, year,
// level and cohort.
func (s *Store) Benchmarks(ctx context.Context, f BenchmarkFilter) ([]model.Benchmark, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.KPIName != "" {
		add("kpi_name = ?", f.KPIName)
	}
	if f.Level != "" {
		add("level = ?", f.Level)
	}
	if f.Jurisdiction != "" {
		add("jurisdiction = ?", f.Jurisdiction)
	}
	if f.FacilityType != "" {
		add("facility_type = ?", f.FacilityType)
	}
	if f.FiscalYear != 0 {
		add("fiscal_year = ?", int32(f.FiscalYear))
	}

	sql := `SELECT kpi_name, level, jurisdiction, facility_type, fiscal_year,
		provider_count, p25, median, p75, mean
		FROM benchmark`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += ` ORDER BY kpi_name, fiscal_year,
		CASE level WHEN 'National' THEN 0 WHEN 'State' THEN 1 WHEN 'Hospital_Type' THEN 2 ELSE 3 END,
		jurisdiction NULLS FIRST, facility_type NULLS FIRST`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query benchmark: %w", err)
	}
	var (
		out      []model.Benchmark
		b        model.Benchmark
		jur, typ pgtype.Text
		count    int32
	)
	_, err = pgx.ForEachRow(rows,
		[]any{&b.KPIName, &b.Level, &jur, &typ, &b.FiscalYear, &count, &b.P25, &b.Median, &b.P75, &b.Mean},
		func() error {
			b.Jurisdiction = textToPtr(jur)
			b.FacilityType = textToPtr(typ)
			b.ProviderCount = int(count)
			out = append(out, b)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query benchmark: %w", err)
	}
	return out, nil
}

// Classification returns the facility type of one provider.
func (s *Store) Classification(ctx context.Context, providerID string) (model.ProviderClassification, error) {
	var c model.ProviderClassification
	err := s.pool.QueryRow(ctx,
		`SELECT provider_id, jurisdiction, facility_type FROM provider_classification WHERE provider_id = $1`,
		providerID).Scan(&c.ProviderID, &c.Jurisdiction, &c.FacilityType)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("provider %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("query classification: %w", err)
	}
	return c, nil
}

// Coverage returns the provider_list row of one provider.
func (s *Store) Coverage(ctx context.Context, providerID string) (model.ProviderCoverage, error) {
	var c model.ProviderCoverage
	err := s.pool.QueryRow(ctx,
		`SELECT provider_id, jurisdiction, first_year, last_year, distinct_year_count
		 FROM provider_list WHERE provider_id = $1`,
		providerID).Scan(&c.ProviderID, &c.Jurisdiction, &c.FirstYear, &c.LastYear, &c.DistinctYearCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("provider %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("query coverage: %w", err)
	}
	return c, nil
}

// ProviderFacts returns one provider's facts for a year, optionally limited
// to one worksheet, ordered by worksheet, line and column.
func (s *Store) ProviderFacts(ctx context.Context, providerID string, year int, worksheet string) ([]model.WorksheetFact, error) {
	sql := `SELECT jurisdiction, provider_id, fiscal_year, worksheet_code, line_code, column_code, value,
		to_char(report_begin_date, 'YYYY-MM-DD'), to_char(report_end_date, 'YYYY-MM-DD'),
		line_label_l1, line_label_l2, column_label_l1, column_label_l2
		FROM all_facts WHERE provider_id = $1 AND fiscal_year = $2`
	args := []any{providerID, int32(year)}
	if worksheet != "" {
		sql += ` AND worksheet_code = $3`
		args = append(args, model.NormalizeWorksheet(worksheet))
	}
	sql += ` ORDER BY worksheet_code, line_code, column_code`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	var (
		out                []model.WorksheetFact
		f                  model.WorksheetFact
		begin, end         pgtype.Text
		ll1, ll2, cl1, cl2 pgtype.Text
	)
	_, err = pgx.ForEachRow(rows,
		[]any{&f.Jurisdiction, &f.ProviderID, &f.FiscalYear, &f.WorksheetCode, &f.LineCode, &f.ColumnCode, &f.Value,
			&begin, &end, &ll1, &ll2, &cl1, &cl2},
		func() error {
			f.ReportBeginDate = begin.String
			f.ReportEndDate = end.String
			f.LineLabelL1 = textToPtr(ll1)
			f.LineLabelL2 = textToPtr(ll2)
			f.ColumnLabelL1 = textToPtr(cl1)
			f.ColumnLabelL2 = textToPtr(cl2)
			out = append(out, f)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	return out, nil
}

// LastBuild returns the most recent build_run row.
func (s *Store) LastBuild(ctx context.Context) (BuildRun, error) {
	var (
		r  BuildRun
		id pgtype.UUID
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, worksheets, abandoned, fact_count FROM build_run ORDER BY finished_at DESC LIMIT 1`).
		Scan(&id, &r.Worksheets, &r.Abandoned, &r.FactCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("build run: %w", ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("query build_run: %w", err)
	}
	r.RunID = uuid.UUID(id.Bytes).String()
	return r, nil
}
