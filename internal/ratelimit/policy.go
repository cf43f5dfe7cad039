package ratelimit

import (
	"time"

	"github.com/JakeFAU/prerender/internal/render"
)

// ActionRender is the limiter action for render admissions.
const ActionRender = "render"

// Policy maps a principal to its limit and window.
type Policy struct {
	// Tiers maps a tier name to its daily limit for API-key principals.
	Tiers           map[string]int
	DefaultTier     string
	APIWindow       time.Duration
	DashboardLimit  int
	DashboardWindow time.Duration
}

// DefaultPolicy returns the built-in tier table.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[string]int{
			"free":       100,
			"starter":    1000,
			"pro":        10000,
			"enterprise": 100000,
		},
		DefaultTier:     "free",
		APIWindow:       24 * time.Hour,
		DashboardLimit:  30,
		DashboardWindow: time.Minute,
	}
}

// For returns the limit and window that apply to p.
// Session principals share the short dashboard window; unknown tiers fall back to DefaultTier.
func (p Policy) For(principal render.Principal) (int, time.Duration) {
	if principal.Source == render.PrincipalSourceSession {
		return p.DashboardLimit, p.DashboardWindow
	}
	limit, ok := p.Tiers[principal.Tier]
	if !ok {
		limit = p.Tiers[p.DefaultTier]
	}
	return limit, p.APIWindow
}

// Key builds the window key for an action and principal. Each source keeps
// its own window so a short dashboard window never evicts API-key history.
func Key(action string, principal render.Principal) string {
	return "ratelimit:" + action + ":" + string(principal.Source) + ":" + principal.ID
}
