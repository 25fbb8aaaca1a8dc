// Package quota implements the read side of admission control: windowed
// consumption computed fresh from the ledger on every call, and the
// allow/deny decision derived from it. Nothing here mutates state.
package quota

import (
	"context"
	"time"

	"github.com/poolgate/poolgate/internal/ledger"
	"github.com/poolgate/poolgate/internal/pricing"
)

// RecordLister is the slice of the ledger store the aggregator reads.
type RecordLister interface {
	ListSince(ctx context.Context, credentialID string, since time.Time) ([]ledger.Record, error)
}

// ModelStat is a per-class slice of the window, for reporting only.
type ModelStat struct {
	Requests   int64   `json:"requests"`
	Credits    int64   `json:"credits"`
	Percentage float64 `json:"percentage"`
}

// WindowUsage is a credential's consumption over the trailing window.
type WindowUsage struct {
	Credits  int64   `json:"credits_used"`
	Requests int64   `json:"request_count"`
	CostUSD  float64 `json:"cost_used"`

	// Oldest is the timestamp of the oldest in-window record; zero when the
	// window is empty.
	Oldest time.Time `json:"oldest,omitzero"`

	// ResetAt is the instant the oldest in-window record ages out. With an
	// empty window it is now + window.
	ResetAt time.Time `json:"reset_at"`

	PerModel map[pricing.ModelClass]ModelStat `json:"per_model"`
}

// Aggregator computes window usage from raw ledger records. There is no
// persisted window counter: every call scans the in-window records, so
// correctness depends only on ledger timestamps.
type Aggregator struct {
	store RecordLister
	now   func() time.Time
}

func NewAggregator(store RecordLister) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// WindowUsage sums the credential's records whose timestamp is at or after
// now − window. The boundary is inclusive: a record exactly window old still
// counts.
func (a *Aggregator) WindowUsage(ctx context.Context, credentialID string, window time.Duration) (*WindowUsage, error) {
	now := a.now().UTC()
	start := now.Add(-window)

	recs, err := a.store.ListSince(ctx, credentialID, start)
	if err != nil {
		return nil, err
	}

	u := &WindowUsage{
		PerModel: make(map[pricing.ModelClass]ModelStat),
	}
	for _, r := range recs {
		u.Credits += r.Credits
		u.Requests++
		u.CostUSD += r.CostUSD
		if u.Oldest.IsZero() || r.Timestamp.Before(u.Oldest) {
			u.Oldest = r.Timestamp
		}
		stat := u.PerModel[r.Class]
		stat.Requests++
		stat.Credits += r.Credits
		u.PerModel[r.Class] = stat
	}

	for class, stat := range u.PerModel {
		if u.Credits > 0 {
			stat.Percentage = float64(stat.Credits) / float64(u.Credits) * 100
		}
		u.PerModel[class] = stat
	}

	if u.Oldest.IsZero() {
		u.ResetAt = now.Add(window)
	} else {
		u.ResetAt = u.Oldest.Add(window)
	}
	return u, nil
}
