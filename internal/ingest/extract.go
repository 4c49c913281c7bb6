package ingest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"costbench/internal/model"
)

// ExtractReader streams a headerless, comma-delimited cost-report extract
// one record at a time.
type ExtractReader struct {
	file   *os.File
	csv    *csv.Reader
	rowNum int64
}

// OpenExtract opens path for streaming. A UTF-8 BOM is skipped.
func OpenExtract(path string) (*ExtractReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return newExtractReader(file, file), nil
}

func newExtractReader(file *os.File, src io.Reader) *ExtractReader {
	bufReader := bufio.NewReaderSize(src, 256*1024)

	bom, err := bufReader.Peek(3)
	if err == nil && len(bom) >= 3 && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		bufReader.Discard(3)
	}

	reader := csv.NewReader(bufReader)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	return &ExtractReader{file: file, csv: reader}
}

// Next returns the next non-empty record, or io.EOF. The returned slice is
// reused by the following call.
func (r *ExtractReader) Next() ([]string, error) {
	for {
		rec, err := r.csv.Read()
		if err != nil {
			return nil, err
		}
		r.rowNum++
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		return rec, nil
	}
}

// RowNum returns the current 1-based row number.
func (r *ExtractReader) RowNum() int64 {
	return r.rowNum
}

func (r *ExtractReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// numericRow is one parsed record of a numeric extract:
// RPT_REC_NUM, WKSHT_CD, LINE_NUM, CLMN_NUM, ITM_VAL_NUM.
type numericRow struct {
	reportID  int64
	worksheet string
	line      string
	column    string
	value     float64
}

func parseNumericRow(rec []string) (numericRow, error) {
	if len(rec) < 5 {
		return numericRow{}, fmt.Errorf("numeric row has %d fields, want 5", len(rec))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		return numericRow{}, fmt.Errorf("parse report id %q: %w", rec[0], err)
	}
	value, ok := parseValue(rec[4])
	if !ok {
		return numericRow{}, fmt.Errorf("parse value %q", rec[4])
	}
	return numericRow{
		reportID:  id,
		worksheet: model.NormalizeWorksheet(rec[1]),
		line:      model.NormalizeCode(rec[2]),
		column:    model.NormalizeCode(rec[3]),
		value:     value,
	}, nil
}

// parseValue parses a numeric cell. Thousands separators and dollar signs
// are tolerated; NaN and infinities are not.
func parseValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "$", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Report extract column positions (HCRIS RPT layout).
const (
	rptRecNumIdx = 0
	rptPrvdrIdx  = 2
	rptStatusIdx = 4
	rptFyBgnIdx  = 5
	rptFyEndIdx  = 6
)

func parseReportRow(rec []string) (model.ReportMetadata, error) {
	if len(rec) <= rptFyEndIdx {
		return model.ReportMetadata{}, fmt.Errorf("report row has %d fields, want at least %d", len(rec), rptFyEndIdx+1)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rec[rptRecNumIdx]), 10, 64)
	if err != nil {
		return model.ReportMetadata{}, fmt.Errorf("parse report id %q: %w", rec[rptRecNumIdx], err)
	}
	begin, err := parseDate(rec[rptFyBgnIdx])
	if err != nil {
		return model.ReportMetadata{}, err
	}
	end, err := parseDate(rec[rptFyEndIdx])
	if err != nil {
		return model.ReportMetadata{}, err
	}
	provider := strings.TrimSpace(rec[rptPrvdrIdx])
	return model.ReportMetadata{
		ReportRecordID:  id,
		ProviderID:      provider,
		Jurisdiction:    model.JurisdictionOf(provider),
		FiscalYearBegin: begin,
		FiscalYearEnd:   end,
		StatusCode:      strings.TrimSpace(rec[rptStatusIdx]),
	}, nil
}

// parseDate accepts MM/DD/YYYY (HCRIS) and YYYY-MM-DD and returns ISO form.
func parseDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"01/02/2006", "1/2/2006", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("parse date %q", s)
}
