package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolgate/poolgate/internal/ledger"
	"github.com/poolgate/poolgate/internal/pricing"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, recs ...ledger.Record) (*Aggregator, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx, "cred-1"))
	for i := range recs {
		require.NoError(t, store.Append(ctx, &recs[i]))
	}
	agg := NewAggregator(store)
	agg.now = func() time.Time { return testNow }
	return agg, store
}

func TestWindowUsage_Empty(t *testing.T) {
	agg, _ := newTestAggregator(t)

	u, err := agg.WindowUsage(context.Background(), "cred-1", 5*time.Hour)
	require.NoError(t, err)

	assert.Zero(t, u.Credits)
	assert.Zero(t, u.Requests)
	assert.True(t, u.Oldest.IsZero())
	assert.Equal(t, testNow.Add(5*time.Hour), u.ResetAt)
	assert.Empty(t, u.PerModel)
}

func TestWindowUsage_BoundaryInclusion(t *testing.T) {
	window := 5 * time.Hour
	atBoundary := ledger.Record{
		ID: "at", CredentialID: "cred-1", Class: pricing.ClassSonnet,
		Timestamp: testNow.Add(-window), Credits: 100,
	}
	justOutside := ledger.Record{
		ID: "out", CredentialID: "cred-1", Class: pricing.ClassSonnet,
		Timestamp: testNow.Add(-window).Add(-time.Millisecond), Credits: 999,
	}
	agg, _ := newTestAggregator(t, atBoundary, justOutside)

	u, err := agg.WindowUsage(context.Background(), "cred-1", window)
	require.NoError(t, err)

	assert.Equal(t, int64(100), u.Credits)
	assert.Equal(t, int64(1), u.Requests)
	assert.Equal(t, atBoundary.Timestamp, u.Oldest)
}

func TestWindowUsage_ResetFromOldest(t *testing.T) {
	window := 5 * time.Hour
	oldest := testNow.Add(-3 * time.Hour)
	agg, _ := newTestAggregator(t,
		ledger.Record{ID: "a", CredentialID: "cred-1", Class: pricing.ClassSonnet, Timestamp: oldest, Credits: 10},
		ledger.Record{ID: "b", CredentialID: "cred-1", Class: pricing.ClassSonnet, Timestamp: testNow.Add(-time.Hour), Credits: 10},
	)

	u, err := agg.WindowUsage(context.Background(), "cred-1", window)
	require.NoError(t, err)

	// The window rolls continuously: it resets when the oldest record ages out.
	assert.Equal(t, oldest.Add(window), u.ResetAt)
}

func TestWindowUsage_PerModelBreakdown(t *testing.T) {
	agg, _ := newTestAggregator(t,
		ledger.Record{ID: "a", CredentialID: "cred-1", Class: pricing.ClassOpus, Timestamp: testNow.Add(-time.Hour), Credits: 750},
		ledger.Record{ID: "b", CredentialID: "cred-1", Class: pricing.ClassOpus, Timestamp: testNow.Add(-time.Hour), Credits: 150},
		ledger.Record{ID: "c", CredentialID: "cred-1", Class: pricing.ClassHaiku, Timestamp: testNow.Add(-time.Hour), Credits: 100},
	)

	u, err := agg.WindowUsage(context.Background(), "cred-1", 5*time.Hour)
	require.NoError(t, err)

	require.Len(t, u.PerModel, 2)
	opus := u.PerModel[pricing.ClassOpus]
	assert.Equal(t, int64(2), opus.Requests)
	assert.Equal(t, int64(900), opus.Credits)
	assert.InDelta(t, 90.0, opus.Percentage, 1e-9)

	haiku := u.PerModel[pricing.ClassHaiku]
	assert.Equal(t, int64(1), haiku.Requests)
	assert.InDelta(t, 10.0, haiku.Percentage, 1e-9)
}

func TestWindowUsage_IdempotentRead(t *testing.T) {
	agg, _ := newTestAggregator(t,
		ledger.Record{ID: "a", CredentialID: "cred-1", Class: pricing.ClassSonnet, Timestamp: testNow.Add(-time.Hour), Credits: 42, CostUSD: 0.5},
	)

	first, err := agg.WindowUsage(context.Background(), "cred-1", 5*time.Hour)
	require.NoError(t, err)
	second, err := agg.WindowUsage(context.Background(), "cred-1", 5*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
