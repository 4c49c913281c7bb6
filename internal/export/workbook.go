// Package export writes benchmark and KPI tables to an analyst workbook.
package export

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"costbench/internal/model"
	"costbench/internal/warehouse"
)

const (
	benchmarkSheet = "Benchmarks"
	kpiSheet       = "KPIs"
)

var (
	benchmarkHeader = []any{
		"kpi_name", "level", "jurisdiction", "facility_type", "fiscal_year",
		"provider_count", "p25", "median", "p75", "mean",
	}
	kpiHeader = []any{"provider_id", "fiscal_year", "kpi_name", "value", "failure_reason"}
)

// Source supplies the exported rows. *warehouse.Store implements it.
type Source interface {
	Benchmarks(ctx context.Context, f warehouse.BenchmarkFilter) ([]model.Benchmark, error)
	KPIs(ctx context.Context, years []int) ([]model.KPIValue, error)
	FiscalYears(ctx context.Context) ([]int, error)
}

// Summary counts exported rows.
type Summary struct {
	Benchmarks int
	KPIs       int
}

// Workbook writes the benchmarks of years and every KPI value of years to
// an .xlsx file at path. An empty years exports every fiscal year src holds.
func Workbook(ctx context.Context, src Source, years []int, path string) (Summary, error) {
	var s Summary

	if len(years) == 0 {
		var err error
		if years, err = src.FiscalYears(ctx); err != nil {
			return s, err
		}
	}

	var benchmarks []model.Benchmark
	for _, y := range years {
		rows, err := src.Benchmarks(ctx, warehouse.BenchmarkFilter{FiscalYear: y})
		if err != nil {
			return s, err
		}
		benchmarks = append(benchmarks, rows...)
	}
	kpis, err := src.KPIs(ctx, years)
	if err != nil {
		return s, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), benchmarkSheet); err != nil {
		return s, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(kpiSheet); err != nil {
		return s, fmt.Errorf("create sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return s, fmt.Errorf("create style: %w", err)
	}

	if err := writeBenchmarks(f, header, benchmarks); err != nil {
		return s, err
	}
	if err := writeKPIs(f, header, kpis); err != nil {
		return s, err
	}

	if err := f.SaveAs(path); err != nil {
		return s, fmt.Errorf("save workbook: %w", err)
	}
	s.Benchmarks = len(benchmarks)
	s.KPIs = len(kpis)
	return s, nil
}

func writeBenchmarks(f *excelize.File, headerStyle int, rows []model.Benchmark) error {
	sw, err := f.NewStreamWriter(benchmarkSheet)
	if err != nil {
		return fmt.Errorf("open benchmark sheet: %w", err)
	}
	if err := sw.SetPanes(frozenHeader()); err != nil {
		return fmt.Errorf("freeze benchmark header: %w", err)
	}
	if err := sw.SetRow("A1", styled(benchmarkHeader, headerStyle)); err != nil {
		return fmt.Errorf("write benchmark header: %w", err)
	}
	for i, b := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			b.KPIName, b.Level, deref(b.Jurisdiction), deref(b.FacilityType), b.FiscalYear,
			b.ProviderCount, b.P25, b.Median, b.P75, b.Mean,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("write benchmark row %d: %w", i+2, err)
		}
	}
	if err := addTable(sw, "BenchmarkTable", len(benchmarkHeader), len(rows)); err != nil {
		return fmt.Errorf("filter benchmark sheet: %w", err)
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush benchmark sheet: %w", err)
	}
	return nil
}

func writeKPIs(f *excelize.File, headerStyle int, rows []model.KPIValue) error {
	sw, err := f.NewStreamWriter(kpiSheet)
	if err != nil {
		return fmt.Errorf("open kpi sheet: %w", err)
	}
	if err := sw.SetPanes(frozenHeader()); err != nil {
		return fmt.Errorf("freeze kpi header: %w", err)
	}
	if err := sw.SetRow("A1", styled(kpiHeader, headerStyle)); err != nil {
		return fmt.Errorf("write kpi header: %w", err)
	}
	for i, k := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		var value any
		if k.Value != nil {
			value = *k.Value
		}
		if err := sw.SetRow(cell, []any{k.ProviderID, k.FiscalYear, k.KPIName, value, k.FailureReason}); err != nil {
			return fmt.Errorf("write kpi row %d: %w", i+2, err)
		}
	}
	if err := addTable(sw, "KPITable", len(kpiHeader), len(rows)); err != nil {
		return fmt.Errorf("filter kpi sheet: %w", err)
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush kpi sheet: %w", err)
	}
	return nil
}

func styled(values []any, style int) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = excelize.Cell{StyleID: style, Value: v}
	}
	return out
}

func frozenHeader() *excelize.Panes {
	return &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}
}

// addTable turns the written range into a filterable table. Sheets with no
// data rows are left plain.
func addTable(sw *excelize.StreamWriter, name string, cols, rows int) error {
	if rows == 0 {
		return nil
	}
	end, err := excelize.CoordinatesToCellName(cols, rows+1)
	if err != nil {
		return err
	}
	return sw.AddTable(&excelize.Table{
		Range:          "A1:" + end,
		Name:           name,
		StyleName:      "TableStyleLight9",
		ShowRowStripes: boolPtr(true),
	})
}

func boolPtr(b bool) *bool { return &b }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
