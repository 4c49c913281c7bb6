package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	numericTemplate = "HOSP10_{year}_{jurisdiction}_NMRC.CSV"
	reportTemplate  = "HOSP10_{year}_{jurisdiction}_RPT.CSV"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeFixture lays out one (01, 2021) extract pair:
//   - report 101 and 102 are both filed by 010002; 102 is the amendment
//   - report 103 belongs to jurisdiction 34 and is out of scope
//   - one report row and one numeric row are malformed
func writeFixture(t *testing.T) (string, *LabelDictionary) {
	t.Helper()
	dir := t.TempDir()

	// BOM on the first line exercises the BOM skip.
	writeFile(t, dir, "HOSP10_2021_01_RPT.CSV", "\xEF\xBB\xBF"+
		"100,2,010001,1111111111,1,01/01/2021,12/31/2021,05/01/2022,N,N,1,1\n"+
		"101,2,010002,2222222222,1,07/01/2020,06/30/2021,05/01/2022,N,N,1,1\n"+
		"102,2,010002,2222222222,2,07/01/2020,06/30/2021,06/01/2022,N,N,1,1\n"+
		"103,2,340001,3333333333,1,01/01/2021,12/31/2021,05/01/2022,N,N,1,1\n"+
		"104,2,010003,4444444444,1,not-a-date,12/31/2021,05/01/2022,N,N,1,1\n")

	writeFile(t, dir, "HOSP10_2021_01_NMRC.CSV",
		"100,G000000,00100,00100,5000\n"+
			"100,G000000,23,1,\"1,234\"\n"+
			"100,G300000,00300,00100,999\n"+
			"101,G000000,00100,00100,7\n"+
			"102,G000000,00100,00100,8\n"+
			"103,G000000,00100,00100,9\n"+
			"100,G000000,00200,00100,abc\n"+
			"999,G000000,00100,00100,1\n"+
			"100,S100000,00100,00100,3\n"+
			"\n"+
			"100,G000000\n")

	labels := NewLabelDictionary()
	cash := "Cash on hand and in banks"
	col := "General Fund"
	labels.Put("G000000", "100", "100", Labels{LineL1: &cash, ColumnL1: &col})
	return dir, labels
}

func TestCellJoinsAndCounts(t *testing.T) {
	dir, labels := writeFixture(t)
	n := NewNormalizer(dir, numericTemplate, reportTemplate, labels, nil)

	res, err := n.Cell(context.Background(), "01", 2021, []string{"G000000", "G300000"})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	g := res.Facts["G000000"]
	require.Len(t, g, 3)

	// sorted by (provider, line, column); "23" padded to "00023"
	assert.Equal(t, "010001", g[0].ProviderID)
	assert.Equal(t, "00023", g[0].LineCode)
	assert.Equal(t, "00001", g[0].ColumnCode)
	assert.Equal(t, 1234.0, g[0].Value)
	assert.Nil(t, g[0].LineLabelL1, "unlabeled fact keeps null labels")

	assert.Equal(t, "010001", g[1].ProviderID)
	assert.Equal(t, "00100", g[1].LineCode)
	assert.Equal(t, 5000.0, g[1].Value)
	require.NotNil(t, g[1].LineLabelL1)
	assert.Equal(t, "Cash on hand and in banks", *g[1].LineLabelL1)
	assert.Nil(t, g[1].LineLabelL2)
	assert.Equal(t, "2021-01-01", g[1].ReportBeginDate)
	assert.Equal(t, "2021-12-31", g[1].ReportEndDate)
	assert.Equal(t, "01", g[1].Jurisdiction)
	assert.EqualValues(t, 2021, g[1].FiscalYear)

	// amended filing wins
	assert.Equal(t, "010002", g[2].ProviderID)
	assert.Equal(t, 8.0, g[2].Value)
	assert.Equal(t, "2020-07-01", g[2].ReportBeginDate)

	require.Len(t, res.Facts["G300000"], 1)
	assert.Equal(t, "00300", res.Facts["G300000"][0].LineCode)

	s := res.Stats
	assert.Equal(t, 10, s.NumericRows)
	assert.Equal(t, 4, s.Facts)
	assert.Equal(t, 2, s.Malformed, "bad value and short row")
	assert.Equal(t, 1, s.MalformedReports)
	assert.Equal(t, 2, s.UnmatchedReport, "out-of-jurisdiction report and unknown report")
	assert.Equal(t, 1, s.Superseded)
	assert.Equal(t, 1, s.OtherWorksheet)
	assert.Equal(t, 2, s.Unlabeled)
	assert.Equal(t, s.NumericRows, s.Facts+s.Malformed+s.UnmatchedReport+s.Superseded+s.OtherWorksheet)
}

func TestCellMissingExtractIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "HOSP10_2021_01_NMRC.CSV", "100,G000000,00100,00100,5000\n")
	n := NewNormalizer(dir, numericTemplate, reportTemplate, nil, nil)

	res, err := n.Cell(context.Background(), "01", 2021, []string{"G000000"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, res.Stats.SkippedCells)
	assert.Empty(t, res.Facts["G000000"])
}

func TestWorksheetAcrossPairs(t *testing.T) {
	dir, labels := writeFixture(t)
	// 2022 exists only for jurisdiction 01; (34, 2021) and (34, 2022) are missing.
	writeFile(t, dir, "HOSP10_2022_01_RPT.CSV", "200,2,010001,1111111111,1,01/01/2022,12/31/2022,05/01/2023,N,N,1,1\n")
	writeFile(t, dir, "HOSP10_2022_01_NMRC.CSV", "200,G000000,00100,00100,6000\n")

	n := NewNormalizer(dir, numericTemplate, reportTemplate, labels, nil)
	facts, stats, err := n.Worksheet(context.Background(), "g000000", []string{"01", "34"}, []int{2021, 2022})
	require.NoError(t, err)

	require.Len(t, facts, 4)
	assert.Equal(t, 2, stats.SkippedCells)
	for i := 1; i < len(facts); i++ {
		assert.False(t, facts[i].Less(&facts[i-1]), "facts must be sorted")
	}
	// same provider and codes: stable order keeps 2021 before 2022
	assert.EqualValues(t, 2021, facts[1].FiscalYear)
	assert.EqualValues(t, 2022, facts[2].FiscalYear)
	for _, f := range facts {
		assert.Equal(t, "G000000", f.WorksheetCode)
	}
}

func TestPlan(t *testing.T) {
	dir, _ := writeFixture(t)
	n := NewNormalizer(dir, numericTemplate, reportTemplate, nil, nil)

	p, err := n.Plan([]string{"01", "34"}, []int{2021})
	require.NoError(t, err)
	require.Len(t, p.Ready, 1)
	assert.Equal(t, "01", p.Ready[0].Jurisdiction)
	require.Len(t, p.Missing, 1)
	assert.Equal(t, "34", p.Missing[0].Jurisdiction)

	_, err = n.Plan([]string{"34"}, []int{2019, 2020})
	assert.True(t, errors.Is(err, ErrNoInputs))
}

func TestLoadReferenceFiles(t *testing.T) {
	dir := t.TempDir()
	dict := writeFile(t, dir, "labels.csv",
		"worksheet_code,line_code,column_code,line_label_l1,line_label_l2,column_label_l1,column_label_l2\n"+
			"G000000,100,1,Cash,,Current,\n"+
			"g300000,00300,00100,Net patient revenue,Total,Amount,\n")
	d, err := LoadLabelDictionary(dict)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	l, ok := d.Lookup("G000000", "00100", "00001")
	require.True(t, ok)
	assert.Equal(t, "Cash", *l.LineL1)
	assert.Nil(t, l.LineL2)
	_, ok = d.Lookup("G000000", "100", "1")
	assert.False(t, ok, "lookups are code-exact on normalized codes")
	l, ok = d.Lookup("G300000", "00300", "00100")
	require.True(t, ok)
	assert.Equal(t, "Total", *l.LineL2)

	_, err = LoadLabelDictionary(writeFile(t, dir, "bad.csv", "a,b,c\n1,2,3\n"))
	assert.Error(t, err)

	jpath := writeFile(t, dir, "states.csv", "code,name,abbreviation\n1,Alabama,AL\n34,North Carolina,nc\n")
	ref, err := LoadJurisdictions(jpath)
	require.NoError(t, err)

	code, err := ref.Resolve("AL")
	require.NoError(t, err)
	assert.Equal(t, "01", code)
	code, err = ref.Resolve("34")
	require.NoError(t, err)
	assert.Equal(t, "34", code)
	_, err = ref.Resolve("05")
	assert.Error(t, err)
	_, err = ref.Resolve("ZZ")
	assert.Error(t, err)

	all, err := ref.ResolveAll([]string{"NC", "34", "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"34", "01"}, all)
	require.Len(t, ref.All(), 2)
	assert.Equal(t, "Alabama", ref.All()[0].Name)

	empty, err := LoadJurisdictions("")
	require.NoError(t, err)
	code, err = empty.Resolve("7")
	require.NoError(t, err)
	assert.Equal(t, "07", code)
}

func TestParseValue(t *testing.T) {
	for in, want := range map[string]float64{"12": 12, " -3.5 ": -3.5, "$1,000": 1000, "1e3": 1000} {
		got, ok := parseValue(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "abc", "NaN", "Inf", "-Inf"} {
		_, ok := parseValue(bad)
		assert.False(t, ok, bad)
	}
}
