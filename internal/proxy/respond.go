package proxy

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/poolgate/poolgate/internal/quota"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

// usagePercent is the exact (unrounded) window usage percentage.
func usagePercent(d *quota.Decision) float64 {
	if d.EffectiveLimit == 0 {
		return 0
	}
	return float64(d.Usage.Credits) / float64(d.EffectiveLimit) * 100
}

// setQuotaHeaders attaches the quota snapshot to every proxied response,
// allowed or denied.
func setQuotaHeaders(w http.ResponseWriter, d *quota.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.EffectiveLimit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
	w.Header().Set("X-Quota-Percentage", fmt.Sprintf("%.2f", usagePercent(d)))
}

func writeQuotaDenied(w http.ResponseWriter, d *quota.Decision) {
	retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{
			"type":    "rate_limit_error",
			"message": d.Reason,
			"quota_exceeded": map[string]any{
				"usage_percentage": math.Round(usagePercent(d)*100) / 100,
				"reset_at":         d.ResetAt.UTC().Format(time.RFC3339),
				"time_until_reset": quota.FormatDuration(d.RetryAfter),
			},
		},
	})
}
