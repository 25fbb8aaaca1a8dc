package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolgate/poolgate/internal/pricing"
)

func TestByName(t *testing.T) {
	p, ok := ByName("pro")
	require.True(t, ok)
	assert.Equal(t, int64(10_000_000), p.CreditsPerWindow)
	assert.Equal(t, 5*time.Hour, p.Window)

	p, ok = ByName("free")
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, p.Window)

	_, ok = ByName("enterprise")
	assert.False(t, ok)
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, int64(2_000_000), Pro.EffectiveLimit(20))
	assert.Equal(t, int64(10_000_000), Pro.EffectiveLimit(100))

	// Unset percentage behaves as 100.
	assert.Equal(t, int64(10_000_000), Pro.EffectiveLimit(0))

	// Result floors: 10,000 * 33 / 100 = 3,300.
	assert.Equal(t, int64(3_300), Free.EffectiveLimit(33))
	// 10,001 would floor at 33%, but plans are fixed; check a floor case
	// on the real table: 10,000,000 * 1 / 100.
	assert.Equal(t, int64(100_000), Pro.EffectiveLimit(1))
}

func TestAllows(t *testing.T) {
	assert.False(t, Free.Allows(pricing.ClassOpus))
	assert.False(t, Pro.Allows(pricing.ClassOpus))
	assert.True(t, Pro.Allows(pricing.ClassSonnet))
	assert.True(t, Max5x.Allows(pricing.ClassOpus))
	assert.True(t, Max20x.Allows(pricing.ClassHaiku))
}
