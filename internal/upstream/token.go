// Package upstream keeps the shared subscription usable: one OAuth credential
// per tenant, refreshed lazily, and the HTTP client that spends it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotConnected means the tenant never completed the upstream OAuth
	// exchange, or disconnected.
	ErrNotConnected = errors.New("upstream credential not connected")

	// ErrRefreshFailed wraps a failed token refresh. The stored credential is
	// left untouched so a later attempt can still succeed.
	ErrRefreshFailed = errors.New("upstream token refresh failed")
)

// Credential is a tenant's upstream OAuth token pair with its absolute expiry.
type Credential struct {
	TenantID     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired compares the stored absolute expiry against the wall clock. There
// is no background timer; expiry is checked lazily on each use.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type Store interface {
	Get(ctx context.Context, tenantID string) (*Credential, error)
	Upsert(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, tenantID string) error
}

// TokenPair is the result of a successful refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a fresh pair at the upstream issuer.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// TokenManager is the sole entry point for obtaining a usable upstream access
// token. Refreshes for one tenant are serialized behind a per-tenant mutex;
// concurrent callers wait and then reuse the winner's token.
type TokenManager struct {
	store     Store
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTokenManager(store Store, refresher Refresher, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		store:     store,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *TokenManager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

// Connected reports whether the tenant has an upstream credential at all,
// regardless of expiry.
func (m *TokenManager) Connected(ctx context.Context, tenantID string) (bool, error) {
	_, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotConnected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureValid returns a currently valid access token for the tenant,
// refreshing first if the stored one has expired. A failed refresh preserves
// the stored credential for future retries.
func (m *TokenManager) EnsureValid(ctx context.Context, tenantID string) (string, error) {
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !cred.Expired(m.now()) {
		return cred.AccessToken, nil
	}

	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed while
	// this one waited.
	cred, err = m.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !cred.Expired(m.now()) {
		return cred.AccessToken, nil
	}

	pair, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		m.logger.Warn("upstream token refresh failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %s", ErrRefreshFailed, err)
	}

	refreshed := &Credential{
		TenantID:     tenantID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}
	if err := m.store.Upsert(ctx, refreshed); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.logger.Info("upstream token refreshed",
		zap.String("tenant_id", tenantID),
		zap.Time("expires_at", pair.ExpiresAt),
	)
	return refreshed.AccessToken, nil
}
