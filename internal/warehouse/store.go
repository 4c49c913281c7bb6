// Package warehouse consolidates the partitioned fact store into one
// PostgreSQL schema and persists KPI and benchmark results next to it.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"costbench/internal/config"
)

// Store is a handle on the warehouse schema. Every query runs with the
// schema as search_path, so SQL in this package uses unqualified names.
type Store struct {
	pool     *pgxpool.Pool
	schema   string
	readOnly bool
	log      *zap.Logger
}

// Open connects a read-write store.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	return open(ctx, cfg, false, log)
}

// OpenReadOnly connects a store whose sessions reject writes
// (default_transaction_read_only). Query consumers use this handle and
// reopen it after a rebuild.
func OpenReadOnly(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	return open(ctx, cfg, true, log)
}

func open(ctx context.Context, cfg config.DatabaseConfig, readOnly bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.ConnConfig.RuntimeParams["search_path"] = pgx.Identifier{cfg.Schema}.Sanitize()
	if readOnly {
		poolConfig.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	log.Debug("connected to warehouse",
		zap.String("schema", cfg.Schema),
		zap.Bool("read_only", readOnly),
		zap.Int32("max_conns", poolConfig.MaxConns))

	return &Store{pool: pool, schema: cfg.Schema, readOnly: readOnly, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Schema returns the warehouse schema name.
func (s *Store) Schema() string {
	return s.schema
}

// Exists reports whether the warehouse schema has been built.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables
		 WHERE table_schema = $1 AND table_name = 'build_run')`, s.schema).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check warehouse schema: %w", err)
	}
	return ok, nil
}

// float64ToFloat8 converts a nullable float to pgtype.Float8.
func float64ToFloat8(f *float64) pgtype.Float8 {
	if f == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *f, Valid: true}
}

// optToPgText converts a nullable string to pgtype.Text.
func optToPgText(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

// textOrNull maps "" to SQL NULL.
func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// isoToDate parses an ISO date; unparseable values become NULL.
func isoToDate(s string) pgtype.Date {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: t, Valid: true}
}

func float8ToPtr(f pgtype.Float8) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func textToPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.String
	return &v
}

func int32Slice(years []int) []int32 {
	out := make([]int32, len(years))
	for i, y := range years {
		out[i] = int32(y)
	}
	return out
}
