package quota

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/poolgate/poolgate/internal/plan"
)

// Decision is the outcome of one admission check. It snapshots everything the
// pipeline needs for headers and denial bodies, so callers never recompute.
type Decision struct {
	Allowed        bool
	Reason         string // empty when allowed
	Usage          *WindowUsage
	EffectiveLimit int64
	Remaining      int64 // max(0, limit - used)
	PercentUsed    int64 // rounded, reporting only
	ResetAt        time.Time
	RetryAfter     time.Duration // zero when allowed
}

// Engine decides admission by comparing windowed credit consumption against a
// credential's effective limit. It is purely read-side: no reservation is
// made, so N concurrent requests that each pass individually may overshoot
// the limit by roughly per-request cost × in-flight concurrency.
type Engine struct {
	agg *Aggregator
	now func() time.Time
}

func NewEngine(agg *Aggregator) *Engine {
	return &Engine{agg: agg, now: time.Now}
}

// Decide checks the credential against its plan. quotaPercentage scales the
// plan ceiling; zero means unset and behaves as 100. Admission compares raw
// credits strictly: the request that lands usage exactly on the limit is the
// last one admitted.
func (e *Engine) Decide(ctx context.Context, credentialID string, quotaPercentage int, p plan.Plan) (*Decision, error) {
	limit := p.EffectiveLimit(quotaPercentage)

	usage, err := e.agg.WindowUsage(ctx, credentialID, p.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to compute window usage: %w", err)
	}

	d := &Decision{
		Usage:          usage,
		EffectiveLimit: limit,
		PercentUsed:    int64(math.Round(float64(usage.Credits) / float64(limit) * 100)),
		ResetAt:        usage.ResetAt,
	}
	d.Remaining = limit - usage.Credits
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	d.Allowed = usage.Credits < limit
	if !d.Allowed {
		d.RetryAfter = usage.ResetAt.Sub(e.now().UTC())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		d.Reason = denialReason(d.PercentUsed, limit, quotaPercentage, d.RetryAfter)
	}
	return d, nil
}

func denialReason(percentUsed, limit int64, quotaPercentage int, untilReset time.Duration) string {
	basis := "plan limit"
	if quotaPercentage > 0 && quotaPercentage < 100 {
		basis = fmt.Sprintf("%d%% of plan limit", quotaPercentage)
	}
	return fmt.Sprintf("quota exceeded: %d%% of %d credits used (%s); resets in %s",
		percentUsed, limit, basis, FormatDuration(untilReset))
}

// FormatDuration renders a duration the way humans read reset countdowns:
// "2h 15m", "45m", "30s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	var parts []string
	if h := int(d.Hours()); h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m := int(d.Minutes()) % 60; m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}
