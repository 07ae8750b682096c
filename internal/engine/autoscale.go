// autoscale.go adjusts the active-symbol budget from rolling live-uptime.
//
// Evaluated once per second over the mean 60 s live-uptime of all active
// symbols: below DownPct the budget collapses to 1 immediately (shedding load
// so the survivors can stay coherent); above UpPct held for UpHold the budget
// grows by one. The budget only constrains what subscribers requested —
// pinned symbols are never trimmed.
package engine

import (
	"sync"
	"time"

	"perpfeed/internal/config"
)

// Autoscaler owns the active-symbol budget.
type Autoscaler struct {
	cfg config.AutoscaleConfig

	mu         sync.Mutex
	budget     int
	aboveSince time.Time
}

// NewAutoscaler creates a scaler with the given initial budget.
func NewAutoscaler(cfg config.AutoscaleConfig, initial int) *Autoscaler {
	if initial < 1 {
		initial = 1
	}
	return &Autoscaler{cfg: cfg, budget: initial}
}

// Budget returns the current budget.
func (a *Autoscaler) Budget() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.budget
}

// Evaluate folds one per-second observation in. meanLivePct is the mean 60 s
// live-uptime across active symbols, wanted the size of the requested set.
// Returns the budget and whether it changed.
func (a *Autoscaler) Evaluate(now time.Time, meanLivePct float64, active, wanted int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cfg.Enabled || active == 0 {
		a.aboveSince = time.Time{}
		return a.budget, false
	}

	previous := a.budget
	switch {
	case meanLivePct < a.cfg.DownPct:
		a.budget = 1
		a.aboveSince = time.Time{}

	case meanLivePct > a.cfg.UpPct:
		if a.aboveSince.IsZero() {
			a.aboveSince = now
		} else if now.Sub(a.aboveSince) >= a.cfg.UpHold && a.budget < wanted {
			a.budget++
			a.aboveSince = now
		}

	default:
		a.aboveSince = time.Time{}
	}

	return a.budget, a.budget != previous
}
