// Package seeder provisions a development tenant and credential so a fresh
// environment can proxy requests without manual SQL.
package seeder

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/auth"
	"github.com/poolgate/poolgate/internal/ledger"
)

const (
	TestSecret   = "pg-test-secret-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
	TestPlan     = "pro"
)

// TenantWriter is the single statement the seeder needs beyond the stores.
type TenantWriter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Seed creates the dev tenant, one active credential bound to it, and the
// credential's ledger aggregate. Safe to run on every boot: an existing
// tenant or aggregate is skipped, not an error.
func SeedTestCredential(ctx context.Context, db TenantWriter, store auth.Store, led *ledger.Ledger, logger *zap.Logger) {
	if _, err := db.Exec(ctx, `
		INSERT INTO tenants (id, plan)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, TestTenantID, TestPlan); err != nil {
		logger.Warn("seeder: tenant insert failed", zap.Error(err))
		return
	}

	hash, err := auth.HashSecret(TestSecret)
	if err != nil {
		logger.Warn("seeder: hashing failed", zap.Error(err))
		return
	}

	cred := &auth.Credential{
		TenantID:   TestTenantID,
		SecretHash: hash,
		Assignment: auth.AssignmentAccepted,
		AssignedTo: "dev",
	}
	if err := store.Create(ctx, cred); err != nil {
		logger.Info("seeder: credential may already exist, skipping", zap.Error(err))
		return
	}

	if err := led.Initialize(ctx, cred.ID); err != nil && !errors.Is(err, ledger.ErrAlreadyInitialized) {
		logger.Warn("seeder: ledger init failed", zap.String("credential_id", cred.ID), zap.Error(err))
		return
	}

	logger.Info("seeder: test credential created",
		zap.String("secret", TestSecret),
		zap.String("credential_id", cred.ID),
		zap.String("tenant_id", TestTenantID),
	)
}
