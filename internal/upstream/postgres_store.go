package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Credential, error) {
	var c Credential
	var expiresAtMs int64
	err := s.db.QueryRow(ctx, `
		SELECT tenant_id, access_token, refresh_token, expires_at_ms
		FROM upstream_credentials
		WHERE tenant_id = $1
	`, tenantID).Scan(&c.TenantID, &c.AccessToken, &c.RefreshToken, &expiresAtMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("failed to get upstream credential: %w", err)
	}
	c.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	return &c, nil
}

// Upsert stores the token pair keyed by tenant. The conflict branch only
// applies when the incoming expiry is newer, so a slow writer cannot replace
// a fresher pair with a staler one.
func (s *PostgresStore) Upsert(ctx context.Context, c *Credential) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO upstream_credentials (tenant_id, access_token, refresh_token, expires_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at_ms = EXCLUDED.expires_at_ms
		WHERE upstream_credentials.expires_at_ms < EXCLUDED.expires_at_ms
	`, c.TenantID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert upstream credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM upstream_credentials WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete upstream credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConnected
	}
	return nil
}
