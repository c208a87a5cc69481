package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

var sourceColumns = []string{
	"id", "domain", "base_url", "adapter_type", "config", "city", "region", "enabled",
	"consecutive_failures", "circuit_open_until", "last_success", "last_failure", "total_collected",
}

// PostgresSourceStore persists the source catalog.
type PostgresSourceStore struct {
	db *sql.DB
}

var _ ports.SourceStore = (*PostgresSourceStore)(nil)

// NewPostgresSourceStore wires a sql.DB implementation.
func NewPostgresSourceStore(db *sql.DB) *PostgresSourceStore {
	return &PostgresSourceStore{db: db}
}

// ListActive returns enabled sources with a closed circuit, least recently
// successful first.
func (s *PostgresSourceStore) ListActive(ctx context.Context, now time.Time) ([]domain.Source, error) {
	query, args, err := psql.Select(sourceColumns...).From("sources").
		Where(sq.Eq{"enabled": true}).
		Where(sq.Or{sq.Eq{"circuit_open_until": nil}, sq.LtOrEq{"circuit_open_until": now}}).
		OrderBy("last_success ASC NULLS FIRST", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active query: %w", err)
	}
	return s.list(ctx, query, args)
}

func (s *PostgresSourceStore) ListAll(ctx context.Context) ([]domain.Source, error) {
	query, args, err := psql.Select(sourceColumns...).From("sources").OrderBy("domain ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	return s.list(ctx, query, args)
}

func (s *PostgresSourceStore) Get(ctx context.Context, id int64) (domain.Source, error) {
	query, args, err := psql.Select(sourceColumns...).From("sources").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Source{}, fmt.Errorf("build get: %w", err)
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.Source{}, fmt.Errorf("get source %d: %w", id, err)
	}
	return src, nil
}

func (s *PostgresSourceStore) RecordSuccess(ctx context.Context, id int64, count int, at time.Time) error {
	query, args, err := psql.Update("sources").
		Set("consecutive_failures", 0).
		Set("circuit_open_until", nil).
		Set("last_success", at).
		Set("total_collected", sq.Expr("total_collected + ?", count)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build success: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure increments the streak and opens the circuit in one statement.
func (s *PostgresSourceStore) RecordFailure(ctx context.Context, id int64, threshold int, at, openUntil time.Time) (int, error) {
	query, args, err := psql.Update("sources").
		Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
		Set("last_failure", at).
		Set("circuit_open_until", sq.Expr(
			"CASE WHEN consecutive_failures + 1 >= ? THEN ?::timestamptz ELSE circuit_open_until END",
			threshold, openUntil)).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING consecutive_failures").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build failure: %w", err)
	}

	var streak int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&streak)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ports.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return streak, nil
}

// Upsert creates or updates a source keyed by domain. Breaker state and
// counters are never touched.
func (s *PostgresSourceStore) Upsert(ctx context.Context, src domain.Source) (int64, error) {
	query, args, err := psql.Insert("sources").
		Columns("domain", "base_url", "adapter_type", "config", "city", "region", "enabled").
		Values(src.Domain, src.BaseURL, string(src.AdapterType), string(domain.EncodeAdapterConfig(src.Config)),
			src.City, src.Region, src.Enabled).
		Suffix(`ON CONFLICT (domain) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			adapter_type = EXCLUDED.adapter_type,
			config = EXCLUDED.config,
			city = EXCLUDED.city,
			region = EXCLUDED.region,
			enabled = EXCLUDED.enabled
		RETURNING id`).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build upsert: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert source: %w", err)
	}
	return id, nil
}

func (s *PostgresSourceStore) UpdateConfig(ctx context.Context, id int64, cfg domain.AdapterConfig) error {
	return s.update(ctx, "update config", id, "config", string(domain.EncodeAdapterConfig(cfg)))
}

func (s *PostgresSourceStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.update(ctx, "set enabled", id, "enabled", enabled)
}

func (s *PostgresSourceStore) DisableMatching(ctx context.Context, likePattern string) (int, error) {
	query, args, err := psql.Update("sources").
		Set("enabled", false).
		Where(sq.Eq{"enabled": true}).
		Where(sq.ILike{"domain": likePattern}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build disable: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("disable matching: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("disable rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresSourceStore) update(ctx context.Context, op string, id int64, column string, value any) error {
	query, args, err := psql.Update("sources").Set(column, value).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *PostgresSourceStore) list(ctx context.Context, query string, args []any) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func scanSource(row rowScanner) (domain.Source, error) {
	var (
		src                 domain.Source
		kind                string
		raw                 []byte
		open, success, fail sql.NullTime
	)
	err := row.Scan(&src.ID, &src.Domain, &src.BaseURL, &kind, &raw, &src.City, &src.Region, &src.Enabled,
		&src.ConsecutiveFailures, &open, &success, &fail, &src.TotalCollected)
	if err != nil {
		return domain.Source{}, err
	}
	src.AdapterType = domain.AdapterKind(kind)
	src.Config = domain.DecodeAdapterConfig(src.AdapterType, raw)
	src.CircuitOpenUntil = timePtr(open)
	src.LastSuccess = timePtr(success)
	src.LastFailure = timePtr(fail)
	return src, nil
}
