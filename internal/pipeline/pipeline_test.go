package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costbench/internal/config"
	"costbench/internal/ingest"
	"costbench/internal/model"
	"costbench/internal/testpg"
	"costbench/internal/warehouse"
)

var pg *testpg.Instance

func TestMain(m *testing.M) {
	var err error
	pg, err = testpg.Start(15443)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := m.Run()
	pg.Stop()
	os.Exit(code)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// writeExtracts lays out two 2021 filings:
//   - 010001 (01, Short Term Acute Care): current ratio 3000/2000, operating margin 500/10000
//   - 341325 (34, Critical Access): current ratio 4000/2000, no income statement
func writeExtracts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "HOSP10_2021_01_RPT.CSV",
		"500,2,010001,1111111111,1,01/01/2021,12/31/2021,05/01/2022,N,N,1,1\n")
	writeFile(t, dir, "HOSP10_2021_01_NMRC.CSV",
		"500,G000000,01100,00100,3000\n"+
			"500,G000000,04500,00100,2000\n"+
			"500,G300000,00300,00100,10000\n"+
			"500,G300000,00500,00100,500\n"+
			"500,A000000,00100,00100,1\n")
	writeFile(t, dir, "HOSP10_2021_34_RPT.CSV",
		"600,2,341325,2222222222,1,07/01/2020,06/30/2021,05/01/2022,N,N,1,1\n")
	writeFile(t, dir, "HOSP10_2021_34_NMRC.CSV",
		"600,G000000,01100,00100,4000\n"+
			"600,G000000,04500,00100,2000\n"+
			"600,G000000,00100,00100,oops\n")
	return dir
}

func testConfig(t *testing.T, schema string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.RawDir = writeExtracts(t)
	cfg.Paths.PartitionDir = t.TempDir()
	cfg.Paths.MetricsFile = filepath.Join(t.TempDir(), "costbench.prom")
	cfg.Database = pg.Database(schema)
	cfg.Ingest.Worksheets = []string{"G000000", "G300000"}
	cfg.Ingest.Jurisdictions = []string{"1", "34"}
	cfg.Ingest.FiscalYears = []int{2021}
	cfg.Ingest.Workers = 2
	cfg.KPI.Workers = 2
	require.NoError(t, cfg.Validate())
	return &cfg
}

func openStore(t *testing.T, cfg *config.Config) *warehouse.Store {
	t.Helper()
	s, err := warehouse.Open(context.Background(), cfg.Database, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "e2e")
	store := openStore(t, cfg)

	p, err := New(cfg, store, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx, ""))

	cells, err := p.Partitions().Cells("G000000")
	require.NoError(t, err)
	assert.Len(t, cells, 2)
	cells, err = p.Partitions().Cells("G300000")
	require.NoError(t, err)
	assert.Len(t, cells, 1, "an empty worksheet writes no partition")

	kpis, err := store.ProviderKPIs(ctx, "010001", 2021)
	require.NoError(t, err)
	byName := make(map[string]model.KPIValue, len(kpis))
	for _, k := range kpis {
		byName[k.KPIName] = k
	}
	require.NotNil(t, byName["Current_Ratio"].Value)
	assert.InDelta(t, 1.5, *byName["Current_Ratio"].Value, 1e-12)
	require.NotNil(t, byName["Operating_Margin"].Value)
	assert.InDelta(t, 5.0, *byName["Operating_Margin"].Value, 1e-12)
	assert.Nil(t, byName["Uncompensated_Care_Pct"].Value)
	assert.Equal(t, "missing_worksheet", byName["Uncompensated_Care_Pct"].FailureReason)

	c, err := store.Classification(ctx, "341325")
	require.NoError(t, err)
	assert.Equal(t, "Critical Access", c.FacilityType)
	assert.Equal(t, "34", c.Jurisdiction)

	national, err := store.Benchmarks(ctx, warehouse.BenchmarkFilter{
		KPIName: "Current_Ratio", Level: model.LevelNational, FiscalYear: 2021,
	})
	require.NoError(t, err)
	require.Len(t, national, 1)
	assert.Equal(t, 2, national[0].ProviderCount)
	assert.InDelta(t, 1.75, national[0].Median, 1e-12)
	assert.InDelta(t, 1.625, national[0].P25, 1e-12)
	assert.InDelta(t, 1.875, national[0].P75, 1e-12)

	perType, err := store.Benchmarks(ctx, warehouse.BenchmarkFilter{
		KPIName: "Current_Ratio", Level: model.LevelHospitalType, FiscalYear: 2021,
	})
	require.NoError(t, err)
	require.Len(t, perType, 2)
	assert.Equal(t, "Critical Access", *perType[0].FacilityType)
	assert.Equal(t, 2.0, perType[0].Median)

	run, err := store.LastBuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.RunID().String(), run.RunID)
	assert.Equal(t, []string{"G000000", "G300000"}, run.Worksheets)
	assert.EqualValues(t, 6, run.FactCount)

	prom, err := os.ReadFile(cfg.Paths.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `costbench_facts_ingested_total{worksheet="G000000"} 4`)
	assert.Contains(t, string(prom), `costbench_rows_dropped_total{reason="malformed"} 1`)
	assert.Contains(t, string(prom), `costbench_stage_duration_seconds{stage="benchmark"}`)
}

func TestRunFromStageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "rerun")
	store := openStore(t, cfg)

	p, err := New(cfg, store, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx, ""))
	before, err := store.Benchmarks(ctx, warehouse.BenchmarkFilter{FiscalYear: 2021})
	require.NoError(t, err)
	require.NotEmpty(t, before)

	again, err := New(cfg, store, nil)
	require.NoError(t, err)
	require.NoError(t, again.Run(ctx, StageKPI))

	after, err := store.Benchmarks(ctx, warehouse.BenchmarkFilter{FiscalYear: 2021})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Key(), after[i].Key())
		assert.Equal(t, before[i].Median, after[i].Median)
	}

	kpis, err := store.KPIs(ctx, []int{2021})
	require.NoError(t, err)
	assert.Len(t, kpis, 2*7, "one row per provider-year and formula")
}

func TestRunUnknownStage(t *testing.T) {
	cfg := testConfig(t, "unused")
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	err = p.Run(context.Background(), "publish")
	assert.True(t, errors.Is(err, ErrUnknownStage))
}

func TestIngestWithoutInputsWritesNothing(t *testing.T) {
	cfg := testConfig(t, "unused")
	cfg.Ingest.FiscalYears = []int{2019}
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)

	_, err = p.Ingest(context.Background())
	assert.True(t, errors.Is(err, ingest.ErrNoInputs))

	entries, err := os.ReadDir(cfg.Paths.PartitionDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
