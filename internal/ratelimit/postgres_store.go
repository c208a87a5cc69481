package ratelimit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore keeps the window in the rate_windows table. The CAS is one
// conditional upsert: the update branch only applies while v still equals
// the expected version, so exactly one of two racing writers affects a row.
type PostgresStore struct {
	db   *sql.DB
	name string
}

var _ ports.WindowStore = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, name string) *PostgresStore {
	if name == "" {
		name = "llm"
	}
	return &PostgresStore{db: db, name: name}
}

func (s *PostgresStore) Load(ctx context.Context) (domain.RateWindow, bool, error) {
	query, args, err := psql.Select("v", "expires", "cron_tokens", "chatbot_tokens", "calls").
		From("rate_windows").Where(sq.Eq{"name": s.name}).ToSql()
	if err != nil {
		return domain.RateWindow{}, false, fmt.Errorf("build load: %w", err)
	}

	var (
		w     domain.RateWindow
		calls []byte
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&w.Version, &w.Expires, &w.CronTokens, &w.ChatbotTokens, &calls)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RateWindow{}, false, nil
	}
	if err != nil {
		return domain.RateWindow{}, false, fmt.Errorf("load window: %w", err)
	}
	w.Calls = map[string]int64{}
	if len(calls) > 0 {
		if err := json.Unmarshal(calls, &w.Calls); err != nil {
			return domain.RateWindow{}, false, fmt.Errorf("decode calls: %w", err)
		}
	}
	return w, true, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, expected int64, next domain.RateWindow) (bool, error) {
	calls, err := json.Marshal(next.Calls)
	if err != nil {
		return false, fmt.Errorf("encode calls: %w", err)
	}
	query, args, err := psql.Insert("rate_windows").
		Columns("name", "v", "expires", "cron_tokens", "chatbot_tokens", "calls").
		Values(s.name, next.Version, next.Expires, next.CronTokens, next.ChatbotTokens, string(calls)).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			v = EXCLUDED.v,
			expires = EXCLUDED.expires,
			cron_tokens = EXCLUDED.cron_tokens,
			chatbot_tokens = EXCLUDED.chatbot_tokens,
			calls = EXCLUDED.calls
		WHERE rate_windows.v = ?`, expected).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build swap: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("swap window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap rows affected: %w", err)
	}
	return n == 1, nil
}
