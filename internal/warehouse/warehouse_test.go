package warehouse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costbench/internal/model"
	"costbench/internal/partition"
	"costbench/internal/testpg"
)

var pg *testpg.Instance

func TestMain(m *testing.M) {
	var err error
	pg, err = testpg.Start(15441)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	pg.Stop()
	os.Exit(code)
}

func openStore(t *testing.T, schema string) *Store {
	t.Helper()
	s, err := Open(context.Background(), pg.Database(schema), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

func fact(jur, provider string, year int32, ws, line, col string, v float64) model.WorksheetFact {
	return model.WorksheetFact{
		Jurisdiction:    jur,
		ProviderID:      provider,
		FiscalYear:      year,
		WorksheetCode:   ws,
		LineCode:        line,
		ColumnCode:      col,
		Value:           v,
		ReportBeginDate: fmt.Sprintf("%d-01-01", year),
		ReportEndDate:   fmt.Sprintf("%d-12-31", year),
	}
}

// writePartitions lays out:
//
//	G000000  01/2021: 010001 x2, 010002 x1   01/2022: 010001 x1   34/2021: 341325 x1
//	G300000  01/2021: 010001 x1
func writePartitions(t *testing.T) *partition.Store {
	t.Helper()
	ps := partition.NewStore(t.TempDir())
	labeled := fact("01", "010001", 2021, "G000000", "00100", "00100", 5000)
	labeled.LineLabelL1 = strPtr("Cash on hand and in banks")
	cells := map[partition.Cell][]model.WorksheetFact{
		{Worksheet: "G000000", Jurisdiction: "01", FiscalYear: 2021}: {
			labeled,
			fact("01", "010001", 2021, "G000000", "01100", "00100", 2000),
			fact("01", "010002", 2021, "G000000", "00100", "00100", 700),
		},
		{Worksheet: "G000000", Jurisdiction: "01", FiscalYear: 2022}: {
			fact("01", "010001", 2022, "G000000", "00100", "00100", 5500),
		},
		{Worksheet: "G000000", Jurisdiction: "34", FiscalYear: 2021}: {
			fact("34", "341325", 2021, "G000000", "00100", "00100", 900),
		},
		{Worksheet: "G300000", Jurisdiction: "01", FiscalYear: 2021}: {
			fact("01", "010001", 2021, "G300000", "00300", "00100", 12000),
		},
	}
	for c, facts := range cells {
		require.NoError(t, ps.WriteCell(c, facts))
	}
	return ps
}

// flakySource fails ScanCell for one worksheet the first failures times.
type flakySource struct {
	*partition.Store
	worksheet string
	failures  int32
	calls     atomic.Int32
}

func (f *flakySource) ScanCell(c partition.Cell, batchSize int, fn func([]model.WorksheetFact) error) error {
	if c.Worksheet == f.worksheet {
		if n := f.calls.Add(1); n <= f.failures {
			// half the cell goes in before the failure
			if err := f.Store.ScanCell(c, batchSize, fn); err != nil {
				return err
			}
			return errors.New("injected read failure")
		}
	}
	return f.Store.ScanCell(c, batchSize, fn)
}

func count(t *testing.T, s *Store, sql string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.Pool().QueryRow(context.Background(), sql, args...).Scan(&n))
	return n
}

func TestRebuildConsolidates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "wh_rebuild")
	runID := uuid.New()

	report, err := s.Rebuild(ctx, writePartitions(t), RebuildOptions{
		RunID:         runID,
		Jurisdictions: []model.Jurisdiction{{Code: "01", Name: "Alabama", Abbreviation: "AL"}},
		Attempts:      2,
		CopyBatch:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"G000000", "G300000"}, report.Built)
	assert.Empty(t, report.Abandoned)
	assert.EqualValues(t, 6, report.Facts)
	assert.EqualValues(t, 3, report.Providers)

	assert.EqualValues(t, 5, count(t, s, `SELECT count(*) FROM ws_g000000`))
	assert.EqualValues(t, 1, count(t, s, `SELECT count(*) FROM ws_g300000`))
	assert.EqualValues(t, 6, count(t, s, `SELECT count(*) FROM all_facts`))
	for _, table := range []string{"ws_g000000", "ws_g300000"} {
		assert.EqualValues(t, 3, count(t, s,
			`SELECT count(*) FROM pg_indexes WHERE schemaname = $1 AND tablename = $2`, "wh_rebuild", table), table)
	}

	assert.EqualValues(t, 2, count(t, s,
		`SELECT provider_count FROM worksheet_summary
		 WHERE worksheet_code = 'G000000' AND jurisdiction = '01' AND fiscal_year = 2021`))
	assert.EqualValues(t, 3, count(t, s,
		`SELECT fact_count FROM worksheet_summary
		 WHERE worksheet_code = 'G000000' AND jurisdiction = '01' AND fiscal_year = 2021`))

	cov, err := s.Coverage(ctx, "010001")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderCoverage{
		ProviderID: "010001", Jurisdiction: "01", FirstYear: 2021, LastYear: 2022, DistinctYearCount: 2,
	}, cov)
	_, err = s.Coverage(ctx, "999999")
	assert.True(t, errors.Is(err, ErrNotFound))

	c, err := s.Classification(ctx, "341325")
	require.NoError(t, err)
	assert.Equal(t, "Critical Access", c.FacilityType)
	assert.Equal(t, "34", c.Jurisdiction)

	// reference row kept, unreferenced jurisdiction filled from the facts
	assert.EqualValues(t, 1, count(t, s, `SELECT count(*) FROM jurisdiction WHERE code = '01' AND name = 'Alabama'`))
	assert.EqualValues(t, 1, count(t, s, `SELECT count(*) FROM jurisdiction WHERE code = '34' AND name IS NULL`))

	facts, err := s.ProviderFacts(ctx, "010001", 2021, "")
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, "G000000", facts[0].WorksheetCode)
	assert.Equal(t, "00100", facts[0].LineCode)
	assert.Equal(t, "2021-01-01", facts[0].ReportBeginDate)
	require.NotNil(t, facts[0].LineLabelL1)
	assert.Equal(t, "Cash on hand and in banks", *facts[0].LineLabelL1)
	assert.Nil(t, facts[1].LineLabelL1)
	assert.Equal(t, "G300000", facts[2].WorksheetCode)

	ws, err := s.Worksheets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"G000000", "G300000"}, ws)
	years, err := s.FiscalYears(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2021, 2022}, years)

	last, err := s.LastBuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID.String(), last.RunID)
	assert.Equal(t, []string{"G000000", "G300000"}, last.Worksheets)
	assert.Empty(t, last.Abandoned)
	assert.EqualValues(t, 6, last.FactCount)
}

func TestRebuildRetriesFromSavepoint(t *testing.T) {
	s := openStore(t, "wh_retry")
	src := &flakySource{Store: writePartitions(t), worksheet: "G300000", failures: 1}

	report, err := s.Rebuild(context.Background(), src, RebuildOptions{Attempts: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"G000000", "G300000"}, report.Built)
	assert.EqualValues(t, 2, src.calls.Load())
	// rows copied by the failed attempt were rolled back with its savepoint
	assert.EqualValues(t, 1, count(t, s, `SELECT count(*) FROM ws_g300000`))
}

func TestRebuildAbandonsFailingWorksheet(t *testing.T) {
	s := openStore(t, "wh_abandon")
	src := &flakySource{Store: writePartitions(t), worksheet: "G300000", failures: 100}

	report, err := s.Rebuild(context.Background(), src, RebuildOptions{Attempts: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"G000000"}, report.Built)
	assert.Equal(t, []string{"G300000"}, report.Abandoned)
	assert.EqualValues(t, 3, src.calls.Load())

	assert.EqualValues(t, 0, count(t, s, `SELECT count(*) FROM pg_tables WHERE schemaname = 'wh_abandon' AND tablename = 'ws_g300000'`))
	assert.EqualValues(t, 5, count(t, s, `SELECT count(*) FROM all_facts`))

	last, err := s.LastBuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"G300000"}, last.Abandoned)
}

func TestFailedRebuildKeepsPreviousWarehouse(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "wh_keep")
	ps := writePartitions(t)
	_, err := s.Rebuild(ctx, ps, RebuildOptions{})
	require.NoError(t, err)

	_, err = s.Rebuild(ctx, partition.NewStore(t.TempDir()), RebuildOptions{})
	assert.True(t, errors.Is(err, ErrNoWorksheets))

	src := &flakySource{Store: ps, worksheet: "G000000", failures: 100}
	_, err = s.Rebuild(ctx, src, RebuildOptions{Worksheets: []string{"g000000"}, Attempts: 1})
	assert.True(t, errors.Is(err, ErrNoWorksheets))

	assert.EqualValues(t, 6, count(t, s, `SELECT count(*) FROM all_facts`))
}

func TestReplaceKPIs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "wh_kpi")
	_, err := s.Rebuild(ctx, writePartitions(t), RebuildOptions{})
	require.NoError(t, err)

	units, err := s.ProviderYears(ctx, []int{2021})
	require.NoError(t, err)
	assert.Equal(t, []model.ProviderYear{
		{ProviderID: "010001", FiscalYear: 2021},
		{ProviderID: "010002", FiscalYear: 2021},
		{ProviderID: "341325", FiscalYear: 2021},
	}, units)

	var scanned []model.WorksheetFact
	require.NoError(t, s.ScanFacts(ctx, []int{2021}, []string{"G300000"}, func(f model.WorksheetFact) error {
		scanned = append(scanned, f)
		return nil
	}))
	require.Len(t, scanned, 1)
	assert.Equal(t, 12000.0, scanned[0].Value)

	first := []model.KPIValue{
		{ProviderID: "010001", FiscalYear: 2021, KPIName: "Current_Ratio", Value: f64Ptr(1.5)},
		{ProviderID: "341325", FiscalYear: 2021, KPIName: "Current_Ratio", Value: f64Ptr(2.0)},
		{ProviderID: "010002", FiscalYear: 2021, KPIName: "Current_Ratio", FailureReason: "non_positive_denominator"},
		{ProviderID: "010001", FiscalYear: 2022, KPIName: "Current_Ratio", Value: f64Ptr(1.1)},
	}
	n, err := s.ReplaceKPIs(ctx, uuid.New(), []int{2021, 2022}, first)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	// replacing 2021 leaves 2022 alone
	n, err = s.ReplaceKPIs(ctx, uuid.New(), []int{2021}, first[:1])
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.ProviderKPIs(ctx, "010001", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.5, *got[0].Value)
	assert.Equal(t, 1.1, *got[1].Value)
	assert.EqualValues(t, 2, count(t, s, `SELECT count(*) FROM kpi`))

	_, err = s.ReplaceKPIs(ctx, uuid.New(), []int{2021}, first[:3])
	require.NoError(t, err)
	obs, err := s.Observations(ctx, []int{2021})
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, model.KPIObservation{
		ProviderID: "010001", Jurisdiction: "01", FacilityType: "Short Term Acute Care",
		FiscalYear: 2021, KPIName: "Current_Ratio", Value: f64Ptr(1.5),
	}, obs[0])
	assert.Nil(t, obs[1].Value, "null KPI values are loaded")

	all, err := s.KPIs(ctx, []int{2021})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "non_positive_denominator", all[1].FailureReason)
}

func TestWriteBenchmarksIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "wh_bench")
	_, err := s.Rebuild(ctx, writePartitions(t), RebuildOptions{})
	require.NoError(t, err)

	years := []int{2021}
	national := model.Benchmark{KPIName: "Current_Ratio", Level: model.LevelNational, FiscalYear: 2021,
		ProviderCount: 2, P25: 1.625, Median: 1.75, P75: 1.875, Mean: 1.75}
	state := model.Benchmark{KPIName: "Current_Ratio", Level: model.LevelState, Jurisdiction: strPtr("01"),
		FiscalYear: 2021, ProviderCount: 1, P25: 1.5, Median: 1.5, P75: 1.5, Mean: 1.5}
	other := model.Benchmark{KPIName: "Operating_Margin", Level: model.LevelNational, FiscalYear: 2021,
		ProviderCount: 1, P25: 3, Median: 3, P75: 3, Mean: 3}
	lastYear := model.Benchmark{KPIName: "Operating_Margin", Level: model.LevelNational, FiscalYear: 2020,
		ProviderCount: 1, P25: 2, Median: 2, P75: 2, Mean: 2}

	_, err = s.WriteBenchmarks(ctx, uuid.New(), []int{2020, 2021}, []model.Benchmark{national, state, other, lastYear})
	require.NoError(t, err)
	before, err := s.Benchmarks(ctx, BenchmarkFilter{})
	require.NoError(t, err)
	require.Len(t, before, 4)

	// same inputs, new run: identical rows, no duplicates
	w, err := s.WriteBenchmarks(ctx, uuid.New(), years, []model.Benchmark{national, state, other})
	require.NoError(t, err)
	assert.EqualValues(t, 3, w.Upserted)
	assert.EqualValues(t, 0, w.Stale)
	after, err := s.Benchmarks(ctx, BenchmarkFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the State cohort disappears from the inputs: its row goes
	runID := uuid.New()
	w, err = s.WriteBenchmarks(ctx, runID, years, []model.Benchmark{national, other})
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Stale)

	rows, err := s.Benchmarks(ctx, BenchmarkFilter{KPIName: "Current_Ratio"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.LevelNational, rows[0].Level)
	assert.Nil(t, rows[0].Jurisdiction)
	assert.Equal(t, 1.75, rows[0].Median)

	// Operating_Margin leaves the catalog and the same run writes again:
	// its 2021 row goes, the 2020 row outside the written years stays
	w, err = s.WriteBenchmarks(ctx, runID, years, []model.Benchmark{national})
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Stale)

	rows, err = s.Benchmarks(ctx, BenchmarkFilter{KPIName: "Operating_Margin"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2020, rows[0].FiscalYear)

	// no benchmarks left for a year clears it
	w, err = s.WriteBenchmarks(ctx, runID, years, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Stale)
	rows, err = s.Benchmarks(ctx, BenchmarkFilter{FiscalYear: 2021})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	rw := openStore(t, "wh_ro")
	_, err := rw.Rebuild(ctx, writePartitions(t), RebuildOptions{})
	require.NoError(t, err)

	ro, err := OpenReadOnly(ctx, pg.Database("wh_ro"), nil)
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Pool().Exec(ctx, `DELETE FROM kpi`)
	assert.Error(t, err)
	_, err = ro.Rebuild(ctx, writePartitions(t), RebuildOptions{})
	assert.Error(t, err)

	ok, err := ro.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	c, err := ro.Classification(ctx, "010001")
	require.NoError(t, err)
	assert.Equal(t, "Short Term Acute Care", c.FacilityType)
}
