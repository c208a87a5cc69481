package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

var obituaryColumns = []string{
	"id",
	"provenance_hash",
	"name",
	"COALESCE(date_of_birth, '')",
	"COALESCE(date_of_death, '')",
	"COALESCE(age, 0)",
	"funeral_home",
	"location",
	"city_normalized",
	"description",
	"image_url",
	"source_url",
	"source_domain",
	"source_type",
	"status",
	"COALESCE(ai_description, '')",
	"COALESCE(ai_description_hash, '')",
	"COALESCE(audit_status, '')",
	"audit_flags",
	"last_audit_at",
	"COALESCE(last_audited_hash, '')",
	"audit_requeue_count",
	"rewrite_requested_at",
	"COALESCE(rewrite_request_reason, '')",
	"COALESCE(rewrite_failure_reason, '')",
	"rewrite_attempts",
	"COALESCE(gofundme_url, '')",
	"gofundme_checked_at",
	"suppressed_at",
	"COALESCE(suppressed_reason, '')",
	"created_at",
}

// PostgresObituaryStore persists obituaries into Postgres.
type PostgresObituaryStore struct {
	db *sql.DB
}

var _ ports.ObituaryStore = (*PostgresObituaryStore)(nil)

// NewPostgresObituaryStore wires a sql.DB implementation.
func NewPostgresObituaryStore(db *sql.DB) *PostgresObituaryStore {
	return &PostgresObituaryStore{db: db}
}

func (s *PostgresObituaryStore) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	query, args, err := psql.Select("id").From("obituaries").
		Where(sq.Eq{"provenance_hash": hash}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query hash: %w", err)
	}
	return true, nil
}

// Insert relies on the unique provenance_hash: a conflicting row returns no id.
func (s *PostgresObituaryStore) Insert(ctx context.Context, rec domain.Obituary) (int64, bool, error) {
	query, args, err := psql.Insert("obituaries").
		Columns("provenance_hash", "name", "date_of_birth", "date_of_death", "age",
			"funeral_home", "location", "city_normalized", "description", "image_url",
			"source_url", "source_domain", "source_type", "status").
		Values(rec.ProvenanceHash, rec.Name, dateOrNil(rec.DateOfBirth),
			dateOrNil(rec.DateOfDeath), nullInt(rec.Age),
			rec.FuneralHome, rec.Location, rec.CityNormalized, rec.Description, rec.ImageURL,
			rec.SourceURL, rec.SourceDomain, rec.SourceType, string(domain.StatusPending)).
		Suffix("ON CONFLICT (provenance_hash) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert obituary: %w", err)
	}
	return id, true, nil
}

func (s *PostgresObituaryStore) Get(ctx context.Context, id int64) (domain.Obituary, error) {
	query, args, err := psql.Select(obituaryColumns...).From("obituaries").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Obituary{}, fmt.Errorf("build get: %w", err)
	}

	rec, err := scanObituary(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Obituary{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.Obituary{}, fmt.Errorf("get obituary %d: %w", id, err)
	}
	return rec, nil
}

// ListPendingForRewrite selects operator requests first, then the oldest
// records still under the requeue cap.
func (s *PostgresObituaryStore) ListPendingForRewrite(ctx context.Context, limit, maxAuditRequeues int) ([]domain.Obituary, error) {
	query, args, err := psql.Select(obituaryColumns...).From("obituaries").
		Where(sq.Eq{"status": string(domain.StatusPending), "suppressed_at": nil}).
		Where(sq.NotEq{"description": ""}).
		Where("COALESCE(ai_description, '') = ''").
		Where(sq.Or{
			sq.Lt{"audit_requeue_count": maxAuditRequeues},
			sq.NotEq{"rewrite_requested_at": nil},
		}).
		OrderBy("rewrite_requested_at IS NULL", "created_at ASC", "id ASC").
		Limit(uint64(max(limit, 1))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}
	return s.list(ctx, query, args)
}

// ListPublishedForAudit selects published records never audited, audited
// before the cutoff, or whose text changed since the last audit.
func (s *PostgresObituaryStore) ListPublishedForAudit(ctx context.Context, limit int, auditedBefore time.Time) ([]domain.Obituary, error) {
	query, args, err := psql.Select(obituaryColumns...).From("obituaries").
		Where(sq.Eq{"status": string(domain.StatusPublished), "suppressed_at": nil}).
		Where(sq.Or{
			sq.Eq{"last_audit_at": nil},
			sq.Lt{"last_audit_at": auditedBefore},
			sq.Expr("last_audited_hash IS DISTINCT FROM ai_description_hash"),
		}).
		OrderBy("last_audit_at ASC NULLS FIRST", "id ASC").
		Limit(uint64(max(limit, 1))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}
	return s.list(ctx, query, args)
}

// Publish is the only statement that sets status=published.
func (s *PostgresObituaryStore) Publish(ctx context.Context, id int64, text, textHash string) (bool, error) {
	if text == "" {
		return false, errors.New("refusing to publish empty text")
	}
	query, args, err := psql.Update("obituaries").
		Set("status", string(domain.StatusPublished)).
		Set("ai_description", text).
		Set("ai_description_hash", textHash).
		Set("rewrite_failure_reason", nil).
		Set("rewrite_requested_at", nil).
		Where(sq.Eq{"id": id, "status": string(domain.StatusPending), "suppressed_at": nil}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build publish: %w", err)
	}
	return s.execOne(ctx, "publish", query, args)
}

func (s *PostgresObituaryStore) RecordRewriteFailure(ctx context.Context, id int64, reason string) error {
	query, args, err := psql.Update("obituaries").
		Set("rewrite_failure_reason", reason).
		Set("rewrite_attempts", sq.Expr("rewrite_attempts + 1")).
		Where(sq.Eq{"id": id, "status": string(domain.StatusPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build rewrite failure: %w", err)
	}
	_, err = s.execOne(ctx, "record rewrite failure", query, args)
	return err
}

func (s *PostgresObituaryStore) MarkAudited(ctx context.Context, id int64, outcome domain.AuditOutcome) error {
	flags := outcome.Flags
	if flags == nil {
		flags = []string{}
	}
	query, args, err := psql.Update("obituaries").
		Set("audit_status", outcome.Status).
		Set("audit_flags", pq.StringArray(flags)).
		Set("last_audit_at", outcome.AuditedAt).
		Set("last_audited_hash", outcome.AuditedHash).
		Where(sq.Eq{"id": id, "status": string(domain.StatusPublished)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark audited: %w", err)
	}
	_, err = s.execOne(ctx, "mark audited", query, args)
	return err
}

// Requeue clears the published text and audit metadata in the same statement
// that moves the record back to pending.
func (s *PostgresObituaryStore) Requeue(ctx context.Context, id int64, reason string) (bool, error) {
	query, args, err := psql.Update("obituaries").
		Set("status", string(domain.StatusPending)).
		Set("ai_description", nil).
		Set("ai_description_hash", nil).
		Set("audit_status", nil).
		Set("audit_flags", pq.StringArray{}).
		Set("last_audit_at", nil).
		Set("last_audited_hash", nil).
		Set("audit_requeue_count", sq.Expr("audit_requeue_count + 1")).
		Set("rewrite_request_reason", reason).
		Where(sq.Eq{"id": id, "status": string(domain.StatusPublished)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build requeue: %w", err)
	}
	return s.execOne(ctx, "requeue", query, args)
}

func (s *PostgresObituaryStore) Suppress(ctx context.Context, id int64, reason string) error {
	query, args, err := psql.Update("obituaries").
		Set("suppressed_at", sq.Expr("NOW()")).
		Set("suppressed_reason", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build suppress: %w", err)
	}
	ok, err := s.execOne(ctx, "suppress", query, args)
	if err == nil && !ok {
		return ports.ErrNotFound
	}
	return err
}

func (s *PostgresObituaryStore) RequestRewrite(ctx context.Context, id int64, reason string) error {
	query, args, err := psql.Update("obituaries").
		Set("status", string(domain.StatusPending)).
		Set("ai_description", nil).
		Set("ai_description_hash", nil).
		Set("rewrite_requested_at", sq.Expr("NOW()")).
		Set("rewrite_request_reason", reason).
		Set("rewrite_failure_reason", nil).
		Where(sq.Eq{"id": id, "suppressed_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build rewrite request: %w", err)
	}
	ok, err := s.execOne(ctx, "request rewrite", query, args)
	if err == nil && !ok {
		return ports.ErrNotFound
	}
	return err
}

func (s *PostgresObituaryStore) list(ctx context.Context, query string, args []any) ([]domain.Obituary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query obituaries: %w", err)
	}
	defer rows.Close()

	var out []domain.Obituary
	for rows.Next() {
		rec, err := scanObituary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obituary: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresObituaryStore) execOne(ctx context.Context, op, query string, args []any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObituary(row rowScanner) (domain.Obituary, error) {
	var (
		rec                                   domain.Obituary
		status                                string
		flags                                 pq.StringArray
		lastAudit, requested, gfmChecked, sup sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.ProvenanceHash, &rec.Name, &rec.DateOfBirth, &rec.DateOfDeath, &rec.Age,
		&rec.FuneralHome, &rec.Location, &rec.CityNormalized, &rec.Description, &rec.ImageURL,
		&rec.SourceURL, &rec.SourceDomain, &rec.SourceType, &status,
		&rec.AIDescription, &rec.AIDescriptionHash, &rec.AuditStatus, &flags, &lastAudit,
		&rec.LastAuditedHash, &rec.AuditRequeueCount, &requested, &rec.RewriteRequestReason,
		&rec.RewriteFailureReason, &rec.RewriteAttempts, &rec.GoFundMeURL, &gfmChecked,
		&sup, &rec.SuppressedReason, &rec.CreatedAt,
	)
	if err != nil {
		return domain.Obituary{}, err
	}
	rec.Status = domain.ObituaryStatus(status)
	rec.AuditFlags = []string(flags)
	rec.LastAuditAt = timePtr(lastAudit)
	rec.RewriteRequestedAt = timePtr(requested)
	rec.GoFundMeCheckedAt = timePtr(gfmChecked)
	rec.SuppressedAt = timePtr(sup)
	return rec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func dateOrNil(s string) any {
	if !domain.ValidDate(s) {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
