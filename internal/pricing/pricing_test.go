package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		model string
		want  ModelClass
	}{
		{"claude-3-opus-20240229", ClassOpus},
		{"claude-opus-4", ClassOpus},
		{"CLAUDE-OPUS-4", ClassOpus},
		{"claude-3-5-sonnet-20241022", ClassSonnet},
		{"claude-3-5-haiku-20241022", ClassHaiku},
		{"some-unknown-model", ClassSonnet},
		{"", ClassSonnet},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.model), "model %q", tc.model)
	}
}

func TestCredits(t *testing.T) {
	calc := NewCalculator()

	// 1000 input + 500 output on opus: 1500 * 5 = 7500.
	u := TokenUsage{Input: 1000, Output: 500}
	assert.Equal(t, int64(7500), calc.Credits(ClassOpus, u))

	// Same tokens on haiku: 1500 * 0.25 = 375.
	assert.Equal(t, int64(375), calc.Credits(ClassHaiku, u))

	// Same tokens on sonnet: weight 1.
	assert.Equal(t, int64(1500), calc.Credits(ClassSonnet, u))
}

func TestCredits_RoundsUp(t *testing.T) {
	calc := NewCalculator()

	// 3 haiku tokens weigh 0.75 and still cost a whole credit.
	assert.Equal(t, int64(1), calc.Credits(ClassHaiku, TokenUsage{Output: 3}))

	// A single haiku token rounds up too.
	assert.Equal(t, int64(1), calc.Credits(ClassHaiku, TokenUsage{Input: 1}))

	// Zero usage costs nothing.
	assert.Equal(t, int64(0), calc.Credits(ClassOpus, TokenUsage{}))
}

func TestCredits_AllCategoriesCount(t *testing.T) {
	calc := NewCalculator()
	u := TokenUsage{Input: 100, Output: 200, CacheWrite: 300, CacheRead: 400}
	assert.Equal(t, int64(1000), calc.Credits(ClassSonnet, u))
	assert.Equal(t, int64(5000), calc.Credits(ClassOpus, u))
}

func TestCost_OpusRates(t *testing.T) {
	calc := NewCalculator()
	u := TokenUsage{Input: 1_000_000, Output: 1_000_000}
	assert.InDelta(t, 90.0, calc.Cost(ClassOpus, u), 1e-9) // 15 + 75
}

func TestCost_SonnetContextThreshold(t *testing.T) {
	calc := NewCalculator()

	// Exactly at the threshold is small-context.
	small := TokenUsage{Input: 200_000}
	assert.InDelta(t, 0.6, calc.Cost(ClassSonnet, small), 1e-9) // 200k * $3/MTok

	// One token over switches to large-context rates.
	large := TokenUsage{Input: 200_001}
	assert.InDelta(t, 1.200006, calc.Cost(ClassSonnet, large), 1e-9)

	// Cache tokens count toward the threshold; output does not.
	cached := TokenUsage{Input: 100_000, CacheRead: 150_000, Output: 5_000_000}
	assert.InDelta(t,
		(100_000*6.0+150_000*0.60+5_000_000*22.50)/1_000_000,
		calc.Cost(ClassSonnet, cached), 1e-9)
}

func TestCost_HaikuUsesSonnetRates(t *testing.T) {
	calc := NewCalculator()
	u := TokenUsage{Input: 1000, Output: 1000}
	assert.InDelta(t, calc.Cost(ClassSonnet, u), calc.Cost(ClassHaiku, u), 1e-9)
}

func TestPrice(t *testing.T) {
	calc := NewCalculator()
	credits, cost := calc.Price(ClassOpus, TokenUsage{Input: 1000, Output: 500})
	assert.Equal(t, int64(7500), credits)
	assert.InDelta(t, (1000*15.0+500*75.0)/1_000_000, cost, 1e-9)
}
