package warehouse

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"costbench/internal/classify"
	"costbench/internal/metrics"
	"costbench/internal/model"
	"costbench/internal/partition"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoWorksheets is returned when a rebuild has nothing to consolidate,
// either because the partitioned store is empty or because every worksheet
// was abandoned. The previous warehouse is left in place.
var ErrNoWorksheets = errors.New("no worksheets to consolidate")

var errReadOnly = errors.New("warehouse opened read-only")

// Source is the partitioned fact store. *partition.Store implements it.
type Source interface {
	Worksheets() ([]string, error)
	Cells(worksheet string) ([]partition.Cell, error)
	ScanCell(c partition.Cell, batchSize int, fn func([]model.WorksheetFact) error) error
}

// Classifier assigns facility types to providers. *classify.Ruleset
// implements it.
type Classifier interface {
	Build(providerIDs []string) []model.ProviderClassification
}

// RebuildOptions controls a consolidation.
type RebuildOptions struct {
	RunID uuid.UUID
	// Worksheets restricts the rebuild; empty means every worksheet in the
	// source.
	Worksheets    []string
	Jurisdictions []model.Jurisdiction
	Classifier    Classifier
	// Attempts per worksheet before it is abandoned.
	Attempts  int
	CopyBatch int
	Metrics   *metrics.Metrics
}

// BuildReport summarizes a rebuild.
type BuildReport struct {
	RunID     uuid.UUID
	Built     []string
	Abandoned []string
	Facts     int64
	Providers int64
	Duration  time.Duration
}

// factIndexes are created on every worksheet table after the load.
var factIndexes = [][]string{
	{"jurisdiction", "fiscal_year"},
	{"provider_id"},
	{"line_code", "column_code"},
}

const factTableDDL = `CREATE TABLE %s (
	jurisdiction      TEXT             NOT NULL,
	provider_id       TEXT             NOT NULL,
	fiscal_year       INTEGER          NOT NULL,
	worksheet_code    TEXT             NOT NULL,
	line_code         TEXT             NOT NULL,
	column_code       TEXT             NOT NULL,
	value             DOUBLE PRECISION NOT NULL,
	report_begin_date DATE,
	report_end_date   DATE,
	line_label_l1     TEXT,
	line_label_l2     TEXT,
	column_label_l1   TEXT,
	column_label_l2   TEXT
)`

// Rebuild recreates the warehouse schema from src inside one transaction.
// Readers see either the previous warehouse or the complete new one.
//
// Each worksheet is loaded inside its own savepoint. A worksheet whose load
// fails is retried up to opts.Attempts times and then abandoned: its
// savepoint is rolled back, it is left out of all_facts and the rebuild
// continues with the next worksheet.
func (s *Store) Rebuild(ctx context.Context, src Source, opts RebuildOptions) (*BuildReport, error) {
	if s.readOnly {
		return nil, errReadOnly
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.CopyBatch <= 0 {
		opts.CopyBatch = 50_000
	}
	if opts.Classifier == nil {
		opts.Classifier = classify.DefaultRuleset()
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}

	worksheets, err := selectWorksheets(src, opts.Worksheets)
	if err != nil {
		return nil, err
	}
	if len(worksheets) == 0 {
		return nil, fmt.Errorf("%w: partitioned store is empty", ErrNoWorksheets)
	}

	start := time.Now()
	log := s.log.With(zap.String("run_id", opts.RunID.String()))
	log.Info("rebuilding warehouse",
		zap.String("schema", s.schema),
		zap.Strings("worksheets", worksheets))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback(ctx)

	schema := pgx.Identifier{s.schema}.Sanitize()
	for _, stmt := range []string{
		"DROP SCHEMA IF EXISTS " + schema + " CASCADE",
		"CREATE SCHEMA " + schema,
		"SET LOCAL search_path TO " + schema,
		schemaSQL,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	report := &BuildReport{RunID: opts.RunID}
	for _, ws := range worksheets {
		n, err := s.consolidateWorksheet(ctx, tx, src, ws, opts, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Error("worksheet abandoned",
				zap.String("worksheet", ws),
				zap.Int("attempts", opts.Attempts),
				zap.Error(err))
			report.Abandoned = append(report.Abandoned, ws)
			opts.Metrics.WorksheetBuilt(false)
			continue
		}
		report.Built = append(report.Built, ws)
		report.Facts += n
		opts.Metrics.WorksheetBuilt(true)
	}
	if len(report.Built) == 0 {
		return nil, fmt.Errorf("%w: all %d worksheets abandoned", ErrNoWorksheets, len(report.Abandoned))
	}

	if err := createFactView(ctx, tx, report.Built); err != nil {
		return nil, err
	}
	if err := buildSummaries(ctx, tx); err != nil {
		return nil, err
	}
	if err := loadJurisdictions(ctx, tx, opts.Jurisdictions); err != nil {
		return nil, err
	}
	providers, err := loadClassification(ctx, tx, opts.Classifier)
	if err != nil {
		return nil, err
	}
	report.Providers = providers

	_, err = tx.Exec(ctx,
		`INSERT INTO build_run (run_id, started_at, finished_at, worksheets, abandoned, fact_count)
		 VALUES ($1, $2, now(), $3, $4, $5)`,
		pgUUID(opts.RunID), start, report.Built, append([]string{}, report.Abandoned...), report.Facts)
	if err != nil {
		return nil, fmt.Errorf("insert build_run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rebuild: %w", err)
	}
	report.Duration = time.Since(start)

	log.Info("warehouse rebuilt",
		zap.Int("worksheets", len(report.Built)),
		zap.Strings("abandoned", report.Abandoned),
		zap.Int64("facts", report.Facts),
		zap.Int64("providers", report.Providers),
		zap.Duration("elapsed", report.Duration))
	return report, nil
}

func selectWorksheets(src Source, want []string) ([]string, error) {
	have, err := src.Worksheets()
	if err != nil {
		return nil, err
	}
	if len(want) == 0 {
		return have, nil
	}
	present := make(map[string]bool, len(have))
	for _, ws := range have {
		present[ws] = true
	}
	var out []string
	for _, ws := range want {
		ws = model.NormalizeWorksheet(ws)
		if present[ws] {
			out = append(out, ws)
		}
	}
	sort.Strings(out)
	return out, nil
}

// consolidateWorksheet loads one worksheet inside a savepoint, retrying on
// failure.
func (s *Store) consolidateWorksheet(ctx context.Context, tx pgx.Tx, src Source, ws string, opts RebuildOptions, log *zap.Logger) (int64, error) {
	if err := model.ValidateWorksheet(ws); err != nil {
		return 0, err
	}
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("savepoint %s: %w", ws, err)
		}
		n, err := s.loadWorksheet(ctx, sp, src, ws, opts.CopyBatch, log)
		if err == nil {
			if err = sp.Commit(ctx); err == nil {
				log.Info("worksheet consolidated",
					zap.String("worksheet", ws),
					zap.Int64("facts", n),
					zap.Int("attempt", attempt))
				return n, nil
			}
		}
		sp.Rollback(ctx)
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Warn("worksheet load failed",
			zap.String("worksheet", ws),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return 0, lastErr
}

// loadWorksheet creates ws_<code>, copies every partition cell into it and
// indexes it.
func (s *Store) loadWorksheet(ctx context.Context, tx pgx.Tx, src Source, ws string, batch int, log *zap.Logger) (int64, error) {
	table := model.WorksheetTable(ws)
	ident := pgx.Identifier{table}.Sanitize()

	if _, err := tx.Exec(ctx, fmt.Sprintf(factTableDDL, ident)); err != nil {
		return 0, fmt.Errorf("create %s: %w", table, err)
	}

	cells, err := src.Cells(ws)
	if err != nil {
		return 0, err
	}

	var (
		total   int64
		start   = time.Now()
		lastLog = start
		rows    = make([][]any, 0, batch)
	)
	for _, c := range cells {
		err := src.ScanCell(c, batch, func(facts []model.WorksheetFact) error {
			rows = rows[:0]
			for i := range facts {
				rows = append(rows, factRow(&facts[i]))
			}
			n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, model.FactColumns, pgx.CopyFromRows(rows))
			if err != nil {
				return fmt.Errorf("copy %s: %w", c, err)
			}
			total += n
			if time.Since(lastLog) >= 5*time.Second {
				elapsed := time.Since(start).Seconds()
				log.Info("copy progress",
					zap.String("worksheet", ws),
					zap.Int64("rows", total),
					zap.Float64("rows_per_sec", float64(total)/elapsed))
				lastLog = time.Now()
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}

	for _, cols := range factIndexes {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		stmt := fmt.Sprintf("CREATE INDEX ON %s (%s)", ident, strings.Join(quoted, ", "))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return total, fmt.Errorf("index %s: %w", table, err)
		}
	}
	return total, nil
}

func factRow(f *model.WorksheetFact) []any {
	return []any{
		f.Jurisdiction,
		f.ProviderID,
		f.FiscalYear,
		f.WorksheetCode,
		f.LineCode,
		f.ColumnCode,
		f.Value,
		isoToDate(f.ReportBeginDate),
		isoToDate(f.ReportEndDate),
		optToPgText(f.LineLabelL1),
		optToPgText(f.LineLabelL2),
		optToPgText(f.ColumnLabelL1),
		optToPgText(f.ColumnLabelL2),
	}
}

// createFactView unions the consolidated worksheet tables. Every table has
// the same column layout.
func createFactView(ctx context.Context, tx pgx.Tx, worksheets []string) error {
	cols := make([]string, len(model.FactColumns))
	for i, c := range model.FactColumns {
		cols[i] = pgx.Identifier{c}.Sanitize()
	}
	colList := strings.Join(cols, ", ")

	parts := make([]string, len(worksheets))
	for i, ws := range worksheets {
		parts[i] = "SELECT " + colList + " FROM " + pgx.Identifier{model.WorksheetTable(ws)}.Sanitize()
	}
	stmt := "CREATE VIEW all_facts AS\n" + strings.Join(parts, "\nUNION ALL\n")
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create all_facts view: %w", err)
	}
	return nil
}

func buildSummaries(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO worksheet_summary (worksheet_code, jurisdiction, fiscal_year, fact_count, provider_count)
		 SELECT worksheet_code, jurisdiction, fiscal_year, count(*), count(DISTINCT provider_id)
		 FROM all_facts
		 GROUP BY worksheet_code, jurisdiction, fiscal_year`); err != nil {
		return fmt.Errorf("build worksheet_summary: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO provider_list (provider_id, jurisdiction, first_year, last_year, distinct_year_count)
		 SELECT provider_id, min(jurisdiction), min(fiscal_year), max(fiscal_year), count(DISTINCT fiscal_year)
		 FROM all_facts
		 GROUP BY provider_id`); err != nil {
		return fmt.Errorf("build provider_list: %w", err)
	}
	return nil
}

// loadJurisdictions copies the reference list, then adds any jurisdiction
// seen in the facts but missing from the reference.
func loadJurisdictions(ctx context.Context, tx pgx.Tx, ref []model.Jurisdiction) error {
	if len(ref) > 0 {
		rows := make([][]any, len(ref))
		for i, j := range ref {
			rows[i] = []any{j.Code, textOrNull(j.Name), textOrNull(j.Abbreviation)}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"jurisdiction"},
			[]string{"code", "name", "abbreviation"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy jurisdiction: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO jurisdiction (code)
		 SELECT DISTINCT jurisdiction FROM provider_list
		 ON CONFLICT (code) DO NOTHING`); err != nil {
		return fmt.Errorf("fill jurisdiction: %w", err)
	}
	return nil
}

// loadClassification classifies every provider in provider_list.
func loadClassification(ctx context.Context, tx pgx.Tx, c Classifier) (int64, error) {
	ids, err := queryStrings(ctx, tx, `SELECT provider_id FROM provider_list ORDER BY provider_id`)
	if err != nil {
		return 0, fmt.Errorf("list providers: %w", err)
	}
	classes := c.Build(ids)
	rows := make([][]any, len(classes))
	for i, pc := range classes {
		rows[i] = []any{pc.ProviderID, pc.Jurisdiction, pc.FacilityType}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"provider_classification"},
		[]string{"provider_id", "jurisdiction", "facility_type"}, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy provider_classification: %w", err)
	}
	return n, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryStrings(ctx context.Context, q querier, sql string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
