package model

// WorksheetFact is one observed cost-report value in long format: one
// provider × fiscal year × worksheet × line × column. The same struct is the
// Parquet row of the partitioned store and the COPY source for the
// warehouse tables, so the column layout is identical across worksheets.
//
// Layout notes:
//
//   - Identifier columns first. Partition cells are sorted by
//     (provider_id, line_code, column_code), so row-group min/max statistics
//     on provider_id skip most of a cell for single-provider reads.
//
//   - line_code/column_code are fixed 5-character zero-padded strings, never
//     integers. "00023" and "23" are different values to every reader; the
//     ingest normalizer is the only place that pads.
//
//   - Report dates are ISO "2006-01-02" strings. They repeat for every fact
//     of a report and dictionary-encode to near nothing.
//
//   - Labels are optional: a fact without a dictionary entry keeps the row
//     and carries nulls (Parquet null bitmap).
type WorksheetFact struct {
	// ── Identity ──────────────────────────────────────────────────────
	Jurisdiction  string `parquet:"jurisdiction"`
	ProviderID    string `parquet:"provider_id"`
	FiscalYear    int32  `parquet:"fiscal_year"`
	WorksheetCode string `parquet:"worksheet_code"`
	LineCode      string `parquet:"line_code"`
	ColumnCode    string `parquet:"column_code"`

	// ── Observation ───────────────────────────────────────────────────
	Value float64 `parquet:"value"`

	// ── Report bounds ─────────────────────────────────────────────────
	ReportBeginDate string `parquet:"report_begin_date"`
	ReportEndDate   string `parquet:"report_end_date"`

	// ── Labels (left-joined, nullable) ────────────────────────────────
	LineLabelL1   *string `parquet:"line_label_l1,optional"`
	LineLabelL2   *string `parquet:"line_label_l2,optional"`
	ColumnLabelL1 *string `parquet:"column_label_l1,optional"`
	ColumnLabelL2 *string `parquet:"column_label_l2,optional"`
}

// FactColumns lists the warehouse column names in WorksheetFact order.
// Every worksheet table uses exactly this layout so the unified view can
// UNION ALL them.
var FactColumns = []string{
	"jurisdiction", "provider_id", "fiscal_year", "worksheet_code",
	"line_code", "column_code", "value",
	"report_begin_date", "report_end_date",
	"line_label_l1", "line_label_l2", "column_label_l1", "column_label_l2",
}

// Less orders facts by (provider_id, line_code, column_code).
func (f *WorksheetFact) Less(o *WorksheetFact) bool {
	if f.ProviderID != o.ProviderID {
		return f.ProviderID < o.ProviderID
	}
	if f.LineCode != o.LineCode {
		return f.LineCode < o.LineCode
	}
	return f.ColumnCode < o.ColumnCode
}

// ReportMetadata is one filed report. It only scopes which numeric rows
// belong to which provider and year and is not persisted.
type ReportMetadata struct {
	ReportRecordID  int64
	ProviderID      string
	Jurisdiction    string
	FiscalYearBegin string
	FiscalYearEnd   string
	StatusCode      string
}

// Jurisdiction is one row of the jurisdiction reference file.
type Jurisdiction struct {
	Code         string
	Name         string
	Abbreviation string
}
