// Package plan holds the static subscription plan table. Plans are immutable
// values; a tenant's plan applies to every credential it owns the moment it
// changes, because nothing here is cached per credential.
package plan

import (
	"time"

	"github.com/poolgate/poolgate/internal/pricing"
)

type Plan struct {
	Name             string
	CreditsPerWindow int64
	Window           time.Duration
	AllowedClasses   []pricing.ModelClass
}

var (
	Free = Plan{
		Name:             "free",
		CreditsPerWindow: 10_000,
		Window:           24 * time.Hour,
		AllowedClasses:   []pricing.ModelClass{pricing.ClassSonnet, pricing.ClassHaiku},
	}
	Pro = Plan{
		Name:             "pro",
		CreditsPerWindow: 10_000_000,
		Window:           5 * time.Hour,
		AllowedClasses:   []pricing.ModelClass{pricing.ClassSonnet, pricing.ClassHaiku},
	}
	Max5x = Plan{
		Name:             "max-5x",
		CreditsPerWindow: 50_000_000,
		Window:           5 * time.Hour,
		AllowedClasses:   []pricing.ModelClass{pricing.ClassOpus, pricing.ClassSonnet, pricing.ClassHaiku},
	}
	Max20x = Plan{
		Name:             "max-20x",
		CreditsPerWindow: 200_000_000,
		Window:           5 * time.Hour,
		AllowedClasses:   []pricing.ModelClass{pricing.ClassOpus, pricing.ClassSonnet, pricing.ClassHaiku},
	}
)

var byName = map[string]Plan{
	Free.Name:   Free,
	Pro.Name:    Pro,
	Max5x.Name:  Max5x,
	Max20x.Name: Max20x,
}

// ByName resolves a stored plan name. Unknown names are not defaulted; a
// tenant row carrying one is a data bug the caller must surface.
func ByName(name string) (Plan, bool) {
	p, ok := byName[name]
	return p, ok
}

// Allows reports whether the plan admits the given model class.
func (p Plan) Allows(class pricing.ModelClass) bool {
	for _, c := range p.AllowedClasses {
		if c == class {
			return true
		}
	}
	return false
}

// EffectiveLimit scales the plan's credit ceiling by a credential's quota
// percentage, flooring the result. A zero percentage means "unset" and
// behaves as 100.
func (p Plan) EffectiveLimit(quotaPercentage int) int64 {
	if quotaPercentage <= 0 {
		quotaPercentage = 100
	}
	return p.CreditsPerWindow * int64(quotaPercentage) / 100
}
