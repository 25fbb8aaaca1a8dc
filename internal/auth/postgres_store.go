package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
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

const credentialColumns = `id, tenant_id, secret_hash, quota_percentage, is_active, assignment, assigned_to, created_at, revoked_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	var assignedTo *string
	err := row.Scan(
		&c.ID, &c.TenantID, &c.SecretHash, &c.QuotaPercentage, &c.Active,
		&c.Assignment, &assignedTo, &c.CreatedAt, &c.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	if assignedTo != nil {
		c.AssignedTo = *assignedTo
	}
	return &c, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Credential, error) {
	c, err := scanCredential(s.db.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c *Credential) error {
	if c.SecretHash == "" {
		return fmt.Errorf("secret_hash is required")
	}
	if c.QuotaPercentage < 0 || c.QuotaPercentage > 100 {
		return ErrInvalidPercentage
	}
	pct := c.QuotaPercentage
	if pct == 0 {
		pct = 100
	}
	assignment := c.Assignment
	if assignment == "" {
		assignment = AssignmentUnassigned
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO credentials (tenant_id, secret_hash, quota_percentage, is_active, assignment)
		VALUES ($1, $2, $3, true, $4)
		RETURNING id, created_at
	`, c.TenantID, c.SecretHash, pct, assignment).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	c.QuotaPercentage = pct
	c.Active = true
	c.Assignment = assignment
	return nil
}

// Revoke soft-deletes: the row stays, is_active flips, and the credential is
// never reused.
func (s *PostgresStore) Revoke(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials SET is_active = false, revoked_at = now()
		WHERE id = $1 AND is_active = true
	`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *PostgresStore) SetQuotaPercentage(ctx context.Context, id string, pct int) error {
	if pct < 1 || pct > 100 {
		return ErrInvalidPercentage
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials SET quota_percentage = $2
		WHERE id = $1 AND is_active = true
	`, id, pct)
	if err != nil {
		return fmt.Errorf("failed to set quota percentage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// SetAssignment advances the assignment state machine. The update is
// conditional on the expected current state, so a concurrent transition
// loses cleanly instead of clobbering.
func (s *PostgresStore) SetAssignment(ctx context.Context, id string, from, to AssignmentState, assignedTo string) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials SET assignment = $3, assigned_to = NULLIF($4, '')
		WHERE id = $1 AND assignment = $2 AND is_active = true
	`, id, from, to, assignedTo)
	if err != nil {
		return fmt.Errorf("failed to set assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRow(ctx, `
		SELECT id, plan, created_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Plan, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}
