package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/pricing"
)

var (
	ErrAlreadyInitialized = errors.New("usage aggregate already initialized")
	ErrAggregateNotFound  = errors.New("usage aggregate not found")
)

// Record is one immutable usage fact. Records are append-only and are only
// ever removed by credential deletion or age-based retention.
type Record struct {
	ID               string             `json:"id"`
	CredentialID     string             `json:"credential_id"`
	Timestamp        time.Time          `json:"timestamp"`
	Model            string             `json:"model"`
	Class            pricing.ModelClass `json:"class"`
	InputTokens      int64              `json:"input_tokens"`
	OutputTokens     int64              `json:"output_tokens"`
	CacheWriteTokens int64              `json:"cache_write_tokens"`
	CacheReadTokens  int64              `json:"cache_read_tokens"`
	TotalTokens      int64              `json:"total_tokens"`
	CostUSD          float64            `json:"cost_usd"`
	Credits          int64              `json:"credits_used"`
}

// Aggregate is a credential's lifetime usage mirror, incremented in lockstep
// with every Record insert. It exists for O(1) lifetime reporting and is
// never consulted for quota decisions, and never pruned.
type Aggregate struct {
	CredentialID     string    `json:"credential_id"`
	TotalRequests    int64     `json:"total_requests"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCostUSD     float64   `json:"total_cost_usd"`
	TotalCredits     int64     `json:"total_credits"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists usage records and their lifetime aggregates.
//
// Append must write the record and bump the aggregate atomically: a partial
// failure leaves neither side updated.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Initialize(ctx context.Context, credentialID string) error
	Purge(ctx context.Context, credentialID string) error
	ListSince(ctx context.Context, credentialID string, since time.Time) ([]Record, error)
	Aggregate(ctx context.Context, credentialID string) (*Aggregate, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger prices and records completed requests.
type Ledger struct {
	store  Store
	calc   *pricing.Calculator
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, calc *pricing.Calculator, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		calc:   calc,
		logger: logger,
		now:    time.Now,
	}
}

// RecordUsage prices the reported token usage and appends one record,
// stamping the current time.
func (l *Ledger) RecordUsage(ctx context.Context, credentialID, model string, u pricing.TokenUsage) (*Record, error) {
	class := pricing.Classify(model)
	credits, cost := l.calc.Price(class, u)

	rec := &Record{
		ID:               uuid.New().String(),
		CredentialID:     credentialID,
		Timestamp:        l.now().UTC(),
		Model:            model,
		Class:            class,
		InputTokens:      u.Input,
		OutputTokens:     u.Output,
		CacheWriteTokens: u.CacheWrite,
		CacheReadTokens:  u.CacheRead,
		TotalTokens:      u.Total(),
		CostUSD:          cost,
		Credits:          credits,
	}

	if err := l.store.Append(ctx, rec); err != nil {
		return nil, err
	}

	l.logger.Debug("usage recorded",
		zap.String("credential_id", credentialID),
		zap.String("class", string(class)),
		zap.Int64("credits", credits),
	)
	return rec, nil
}

// Initialize creates the zeroed aggregate row for a newly issued credential.
// Double initialization fails with ErrAlreadyInitialized.
func (l *Ledger) Initialize(ctx context.Context, credentialID string) error {
	return l.store.Initialize(ctx, credentialID)
}

// Purge removes a deleted credential's records and aggregate.
func (l *Ledger) Purge(ctx context.Context, credentialID string) error {
	return l.store.Purge(ctx, credentialID)
}

// Lifetime returns the credential's lifetime aggregate.
func (l *Ledger) Lifetime(ctx context.Context, credentialID string) (*Aggregate, error) {
	return l.store.Aggregate(ctx, credentialID)
}
