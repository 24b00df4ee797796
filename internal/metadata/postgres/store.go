// Package postgres stores analysis records in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

const defaultTable = "analysis_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var recordColumns = []string{
	"domain",
	"captured_at",
	"object_key",
	"extracted_content",
	"status",
	"analyzed_at",
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements pipeline.MetadataStore on a table with a unique
// (domain, captured_at) constraint.
type Store struct {
	pool  querier
	table string
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metadata.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRecord writes record, replacing any row with the same key.
func (s *Store) UpsertRecord(ctx context.Context, record pipeline.AnalysisRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	query, args, err := psql.Insert(s.table).
		Columns(recordColumns...).
		Values(
			record.Domain,
			record.CapturedAt,
			record.ObjectKey,
			record.ExtractedContent,
			string(record.Status),
			record.AnalyzedAt,
		).
		Suffix(`ON CONFLICT (domain, captured_at) DO UPDATE SET
	object_key = EXCLUDED.object_key,
	extracted_content = EXCLUDED.extracted_content,
	status = EXCLUDED.status,
	analyzed_at = EXCLUDED.analyzed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// QueryRecords returns the domain's rows within the window ordered by captured_at.
func (s *Store) QueryRecords(ctx context.Context, q pipeline.RecordQuery) ([]pipeline.AnalysisRecord, error) {
	if q.Domain == "" {
		return nil, fmt.Errorf("query: domain is required")
	}
	builder := psql.Select(recordColumns...).
		From(s.table).
		Where(sq.Eq{"domain": q.Domain}).
		Where(sq.GtOrEq{"captured_at": q.From})
	if q.To > 0 {
		builder = builder.Where(sq.LtOrEq{"captured_at": q.To})
	}
	builder = builder.OrderBy("captured_at ASC")
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []pipeline.AnalysisRecord
	for rows.Next() {
		var (
			rec    pipeline.AnalysisRecord
			status string
		)
		if err := rows.Scan(
			&rec.Domain,
			&rec.CapturedAt,
			&rec.ObjectKey,
			&rec.ExtractedContent,
			&status,
			&rec.AnalyzedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Status = pipeline.AnalysisStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
