package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/poolgate/poolgate/internal/pricing"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

// Append inserts the usage record and increments the lifetime aggregate in
// one transaction. Timestamps are stored as epoch milliseconds.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin usage tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_history (
			id, credential_id, ts_ms, model, model_class,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			total_tokens, cost_usd, credits_used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rec.ID, rec.CredentialID, rec.Timestamp.UnixMilli(), rec.Model, string(rec.Class),
		rec.InputTokens, rec.OutputTokens, rec.CacheWriteTokens, rec.CacheReadTokens,
		rec.TotalTokens, rec.CostUSD, rec.Credits,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE usage_aggregate SET
			total_requests = total_requests + 1,
			input_tokens = input_tokens + $2,
			output_tokens = output_tokens + $3,
			cache_write_tokens = cache_write_tokens + $4,
			cache_read_tokens = cache_read_tokens + $5,
			total_tokens = total_tokens + $6,
			total_cost_usd = total_cost_usd + $7,
			total_credits = total_credits + $8,
			updated_at = now()
		WHERE credential_id = $1
	`,
		rec.CredentialID,
		rec.InputTokens, rec.OutputTokens, rec.CacheWriteTokens, rec.CacheReadTokens,
		rec.TotalTokens, rec.CostUSD, rec.Credits,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAggregateNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit usage tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Initialize(ctx context.Context, credentialID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_aggregate (
			credential_id, total_requests,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			total_tokens, total_cost_usd, total_credits, updated_at
		) VALUES ($1, 0, 0, 0, 0, 0, 0, 0, 0, now())
	`, credentialID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("failed to initialize usage aggregate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, credentialID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin purge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM usage_history WHERE credential_id = $1`, credentialID); err != nil {
		return fmt.Errorf("failed to purge usage records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM usage_aggregate WHERE credential_id = $1`, credentialID); err != nil {
		return fmt.Errorf("failed to purge usage aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit purge tx: %w", err)
	}
	return nil
}

// ListSince returns records with timestamp >= since, newest first. The
// boundary is inclusive at millisecond precision.
func (s *PostgresStore) ListSince(ctx context.Context, credentialID string, since time.Time) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, credential_id, ts_ms, model, model_class,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			total_tokens, cost_usd, credits_used
		FROM usage_history
		WHERE credential_id = $1 AND ts_ms >= $2
		ORDER BY ts_ms DESC
	`, credentialID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var tsMs int64
		var class string
		err := rows.Scan(
			&r.ID, &r.CredentialID, &tsMs, &r.Model, &class,
			&r.InputTokens, &r.OutputTokens, &r.CacheWriteTokens, &r.CacheReadTokens,
			&r.TotalTokens, &r.CostUSD, &r.Credits,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Timestamp = time.UnixMilli(tsMs).UTC()
		r.Class = pricing.ModelClass(class)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, credentialID string) (*Aggregate, error) {
	var a Aggregate
	err := s.db.QueryRow(ctx, `
		SELECT credential_id, total_requests,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			total_tokens, total_cost_usd, total_credits, updated_at
		FROM usage_aggregate
		WHERE credential_id = $1
	`, credentialID).Scan(
		&a.CredentialID, &a.TotalRequests,
		&a.InputTokens, &a.OutputTokens, &a.CacheWriteTokens, &a.CacheReadTokens,
		&a.TotalTokens, &a.TotalCostUSD, &a.TotalCredits, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAggregateNotFound
		}
		return nil, fmt.Errorf("failed to get usage aggregate: %w", err)
	}
	return &a, nil
}

// DeleteOlderThan drops usage records strictly older than cutoff. Aggregates
// are untouched; the windowed ledger is disposable, the lifetime counters
// are not.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM usage_history WHERE ts_ms < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return tag.RowsAffected(), nil
}
