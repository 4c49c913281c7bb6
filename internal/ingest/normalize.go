// Package ingest reads raw cost-report extracts and normalizes them into
// long-format worksheet facts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"costbench/internal/model"
)

// ErrNoInputs is returned when none of the requested jurisdiction/year
// pairs has both extracts. It is a configuration error and is raised
// before anything is written.
var ErrNoInputs = errors.New("no input extracts found")

// Stats counts what happened to source rows. Every numeric row read ends
// up in exactly one of Facts, Malformed, UnmatchedReport, Superseded or
// OtherWorksheet.
type Stats struct {
	NumericRows      int
	Facts            int
	Malformed        int
	MalformedReports int
	UnmatchedReport  int
	Superseded       int
	OtherWorksheet   int
	Unlabeled        int
	SkippedCells     int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.NumericRows += o.NumericRows
	s.Facts += o.Facts
	s.Malformed += o.Malformed
	s.MalformedReports += o.MalformedReports
	s.UnmatchedReport += o.UnmatchedReport
	s.Superseded += o.Superseded
	s.OtherWorksheet += o.OtherWorksheet
	s.Unlabeled += o.Unlabeled
	s.SkippedCells += o.SkippedCells
}

// Dropped returns the drop counters keyed by reason.
func (s Stats) Dropped() map[string]int {
	return map[string]int{
		"malformed":        s.Malformed,
		"malformed_report": s.MalformedReports,
		"unmatched_report": s.UnmatchedReport,
		"superseded":       s.Superseded,
	}
}

// Pair is one (jurisdiction, fiscal year) extract pair.
type Pair struct {
	Jurisdiction string
	FiscalYear   int
	NumericPath  string
	ReportPath   string
}

// Plan splits the requested pairs into those whose extracts both exist and
// those missing at least one.
type Plan struct {
	Ready   []Pair
	Missing []Pair
}

// CellResult holds the facts of one pair, grouped by worksheet and sorted
// by (provider_id, line_code, column_code).
type CellResult struct {
	Jurisdiction string
	FiscalYear   int
	Facts        map[string][]model.WorksheetFact
	Stats        Stats
	Skipped      bool
}

// Normalizer joins numeric rows to report metadata and the label dictionary.
type Normalizer struct {
	rawDir          string
	numericTemplate string
	reportTemplate  string
	labels          *LabelDictionary
	log             *zap.Logger
}

// NewNormalizer returns a normalizer reading extracts under rawDir. The
// templates name extract files relative to rawDir with {year} and
// {jurisdiction} placeholders. labels may be nil.
func NewNormalizer(rawDir, numericTemplate, reportTemplate string, labels *LabelDictionary, log *zap.Logger) *Normalizer {
	if labels == nil {
		labels = NewLabelDictionary()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{
		rawDir:          rawDir,
		numericTemplate: numericTemplate,
		reportTemplate:  reportTemplate,
		labels:          labels,
		log:             log,
	}
}

func (n *Normalizer) pair(jurisdiction string, year int) Pair {
	r := strings.NewReplacer("{year}", strconv.Itoa(year), "{jurisdiction}", jurisdiction)
	return Pair{
		Jurisdiction: jurisdiction,
		FiscalYear:   year,
		NumericPath:  filepath.Join(n.rawDir, r.Replace(n.numericTemplate)),
		ReportPath:   filepath.Join(n.rawDir, r.Replace(n.reportTemplate)),
	}
}

// Plan checks which pairs have both extracts. It returns ErrNoInputs when
// none do.
func (n *Normalizer) Plan(jurisdictions []string, years []int) (Plan, error) {
	var p Plan
	for _, year := range years {
		for _, j := range jurisdictions {
			pair := n.pair(j, year)
			if fileExists(pair.NumericPath) && fileExists(pair.ReportPath) {
				p.Ready = append(p.Ready, pair)
			} else {
				p.Missing = append(p.Missing, pair)
			}
		}
	}
	if len(p.Ready) == 0 {
		return p, fmt.Errorf("%w: %d jurisdiction/year pairs requested under %s", ErrNoInputs, len(p.Missing), n.rawDir)
	}
	return p, nil
}

// Worksheet returns the facts of one worksheet for every requested
// jurisdiction and year. Pairs with a missing extract are skipped with a
// warning.
func (n *Normalizer) Worksheet(ctx context.Context, worksheet string, jurisdictions []string, years []int) ([]model.WorksheetFact, Stats, error) {
	worksheet = model.NormalizeWorksheet(worksheet)
	var (
		facts []model.WorksheetFact
		stats Stats
	)
	for _, year := range years {
		for _, j := range jurisdictions {
			res, err := n.Cell(ctx, j, year, []string{worksheet})
			if err != nil {
				return nil, stats, err
			}
			stats.Add(res.Stats)
			facts = append(facts, res.Facts[worksheet]...)
		}
	}
	sort.SliceStable(facts, func(i, k int) bool { return facts[i].Less(&facts[k]) })
	return facts, stats, nil
}

// Cell reads one (jurisdiction, year) pair once and returns the facts of
// every requested worksheet. A missing extract is not an error: the result
// is marked Skipped.
func (n *Normalizer) Cell(ctx context.Context, jurisdiction string, year int, worksheets []string) (CellResult, error) {
	pair := n.pair(jurisdiction, year)
	res := CellResult{
		Jurisdiction: jurisdiction,
		FiscalYear:   year,
		Facts:        make(map[string][]model.WorksheetFact, len(worksheets)),
	}

	if !fileExists(pair.NumericPath) || !fileExists(pair.ReportPath) {
		n.log.Warn("extract missing, skipping cell",
			zap.String("jurisdiction", jurisdiction),
			zap.Int("fiscal_year", year),
			zap.String("numeric", pair.NumericPath),
			zap.String("report", pair.ReportPath))
		res.Skipped = true
		res.Stats.SkippedCells = 1
		return res, nil
	}

	wanted := make(map[string]bool, len(worksheets))
	for _, ws := range worksheets {
		wanted[model.NormalizeWorksheet(ws)] = true
	}

	reports, superseded, err := n.loadReports(pair.ReportPath, jurisdiction, &res.Stats)
	if err != nil {
		return res, err
	}

	if err := n.joinNumeric(ctx, pair, reports, superseded, wanted, &res); err != nil {
		return res, err
	}

	for ws := range res.Facts {
		facts := res.Facts[ws]
		sort.SliceStable(facts, func(i, k int) bool { return facts[i].Less(&facts[k]) })
	}

	n.log.Info("normalized cell",
		zap.String("jurisdiction", jurisdiction),
		zap.Int("fiscal_year", year),
		zap.Int("reports", len(reports)),
		zap.Int("numeric_rows", res.Stats.NumericRows),
		zap.Int("facts", res.Stats.Facts),
		zap.Int("malformed", res.Stats.Malformed),
		zap.Int("unmatched_report", res.Stats.UnmatchedReport),
		zap.Int("superseded", res.Stats.Superseded))
	return res, nil
}

// loadReports reads the report extract, keeps reports of the requested
// jurisdiction and resolves amended filings: for each provider the highest
// report record id wins. The ids of losing reports are returned separately
// so their numeric rows can be counted as superseded rather than unmatched.
func (n *Normalizer) loadReports(path, jurisdiction string, stats *Stats) (map[int64]model.ReportMetadata, map[int64]bool, error) {
	r, err := OpenExtract(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	latest := make(map[string]model.ReportMetadata)
	superseded := make(map[int64]bool)

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read report row %d of %s: %w", r.RowNum(), path, err)
		}
		rpt, err := parseReportRow(rec)
		if err != nil {
			stats.MalformedReports++
			n.log.Debug("malformed report row", zap.Int64("row", r.RowNum()), zap.Error(err))
			continue
		}
		if rpt.Jurisdiction != jurisdiction {
			continue
		}
		prev, ok := latest[rpt.ProviderID]
		switch {
		case !ok:
			latest[rpt.ProviderID] = rpt
		case rpt.ReportRecordID > prev.ReportRecordID:
			superseded[prev.ReportRecordID] = true
			latest[rpt.ProviderID] = rpt
		default:
			superseded[rpt.ReportRecordID] = true
		}
	}

	reports := make(map[int64]model.ReportMetadata, len(latest))
	for _, rpt := range latest {
		reports[rpt.ReportRecordID] = rpt
	}
	return reports, superseded, nil
}

// joinNumeric streams the numeric extract: inner join on report, filter to
// wanted worksheets, left join on labels.
func (n *Normalizer) joinNumeric(ctx context.Context, pair Pair, reports map[int64]model.ReportMetadata,
	superseded map[int64]bool, wanted map[string]bool, res *CellResult) error {
	r, err := OpenExtract(pair.NumericPath)
	if err != nil {
		return err
	}
	defer r.Close()

	start := time.Now()
	lastLog := start
	stats := &res.Stats
	fy := int32(pair.FiscalYear)

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read numeric row %d of %s: %w", r.RowNum(), pair.NumericPath, err)
		}
		stats.NumericRows++

		if stats.NumericRows%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if time.Since(lastLog) >= 5*time.Second {
				elapsed := time.Since(start).Seconds()
				n.log.Info("normalize progress",
					zap.String("jurisdiction", pair.Jurisdiction),
					zap.Int("fiscal_year", pair.FiscalYear),
					zap.Int("rows", stats.NumericRows),
					zap.Float64("rows_per_sec", float64(stats.NumericRows)/elapsed))
				lastLog = time.Now()
			}
		}

		row, err := parseNumericRow(rec)
		if err != nil {
			stats.Malformed++
			continue
		}
		if !wanted[row.worksheet] {
			stats.OtherWorksheet++
			continue
		}
		rpt, ok := reports[row.reportID]
		if !ok {
			if superseded[row.reportID] {
				stats.Superseded++
			} else {
				stats.UnmatchedReport++
			}
			continue
		}

		fact := model.WorksheetFact{
			Jurisdiction:    rpt.Jurisdiction,
			ProviderID:      rpt.ProviderID,
			FiscalYear:      fy,
			WorksheetCode:   row.worksheet,
			LineCode:        row.line,
			ColumnCode:      row.column,
			Value:           row.value,
			ReportBeginDate: rpt.FiscalYearBegin,
			ReportEndDate:   rpt.FiscalYearEnd,
		}
		if l, ok := n.labels.Lookup(row.worksheet, row.line, row.column); ok {
			fact.LineLabelL1 = l.LineL1
			fact.LineLabelL2 = l.LineL2
			fact.ColumnLabelL1 = l.ColumnL1
			fact.ColumnLabelL2 = l.ColumnL2
		} else {
			stats.Unlabeled++
		}
		res.Facts[row.worksheet] = append(res.Facts[row.worksheet], fact)
		stats.Facts++
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
