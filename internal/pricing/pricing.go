package pricing

import (
	"math"
	"strings"
)

// ModelClass is the normalized class a free-form model identifier resolves to.
// Identifiers are classified once at ingestion; everything downstream carries
// the typed class instead of re-parsing strings.
type ModelClass string

const (
	ClassOpus   ModelClass = "opus"
	ClassSonnet ModelClass = "sonnet"
	ClassHaiku  ModelClass = "haiku"
)

// Classify maps a model identifier to its class by case-insensitive substring
// match. Unrecognized identifiers fall back to sonnet.
func Classify(model string) ModelClass {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return ClassOpus
	case strings.Contains(m, "haiku"):
		return ClassHaiku
	default:
		return ClassSonnet
	}
}

// TokenUsage holds the token counts reported for a single request.
// Absent categories are simply zero.
type TokenUsage struct {
	Input      int64 `json:"input_tokens"`
	Output     int64 `json:"output_tokens"`
	CacheWrite int64 `json:"cache_write_tokens"`
	CacheRead  int64 `json:"cache_read_tokens"`
}

// Total returns the sum of all four token categories.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheWrite + u.CacheRead
}

// contextTokens is the portion of usage that counts toward the large-context
// rate threshold.
func (u TokenUsage) contextTokens() int64 {
	return u.Input + u.CacheWrite + u.CacheRead
}

// Rates are dollar prices per million tokens, one per token category.
type Rates struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheWritePerMTok float64
	CacheReadPerMTok  float64
}

func (r Rates) cost(u TokenUsage) float64 {
	return (float64(u.Input)*r.InputPerMTok +
		float64(u.Output)*r.OutputPerMTok +
		float64(u.CacheWrite)*r.CacheWritePerMTok +
		float64(u.CacheRead)*r.CacheReadPerMTok) / 1_000_000
}

// Calculator prices requests in credits and dollars. All tables are fixed at
// construction; a Calculator is immutable and safe for concurrent use.
type Calculator struct {
	weights map[ModelClass]float64

	opus        Rates
	sonnetSmall Rates
	sonnetLarge Rates

	// largeContextThreshold separates sonnet-small-context from
	// sonnet-large-context pricing; the threshold itself is small-context.
	largeContextThreshold int64
}

// NewCalculator returns a Calculator with the standard weight and rate tables.
func NewCalculator() *Calculator {
	return &Calculator{
		weights: map[ModelClass]float64{
			ClassOpus:   5.0,
			ClassSonnet: 1.0,
			ClassHaiku:  0.25,
		},
		opus:                  Rates{15.00, 75.00, 18.75, 1.50},
		sonnetSmall:           Rates{3.00, 15.00, 3.75, 0.30},
		sonnetLarge:           Rates{6.00, 22.50, 7.50, 0.60},
		largeContextThreshold: 200_000,
	}
}

// Credits converts token usage to whole credits: the class weight applied to
// the total token count, rounded up. Any nonzero usage costs at least one
// credit.
func (c *Calculator) Credits(class ModelClass, u TokenUsage) int64 {
	w, ok := c.weights[class]
	if !ok {
		w = c.weights[ClassSonnet]
	}
	return int64(math.Ceil(w * float64(u.Total())))
}

// Cost returns the informational dollar cost of a request. Opus has its own
// rate table; every other class prices at sonnet rates, split by context size.
func (c *Calculator) Cost(class ModelClass, u TokenUsage) float64 {
	if class == ClassOpus {
		return c.opus.cost(u)
	}
	if u.contextTokens() > c.largeContextThreshold {
		return c.sonnetLarge.cost(u)
	}
	return c.sonnetSmall.cost(u)
}

// Price returns both the credit and dollar cost of a request.
func (c *Calculator) Price(class ModelClass, u TokenUsage) (credits int64, costUSD float64) {
	return c.Credits(class, u), c.Cost(class, u)
}
