package mecadex

import "sync"

// CostGuard is a process-wide cumulative spending limit shared by every
// automatic build trigger. It is explicit shared state: construct one guard
// and pass it through the orchestrator to each build, never a hidden
// singleton.
//
// The guard works on reservations. A trigger reserves what a build is
// allowed to spend, runs the build with that reservation as its budget, and
// settles with the actual spend afterwards. Reservations make the recorded
// total monotonic: concurrent triggers can never jointly commit more than
// the budget.
type CostGuard struct {
	mu       sync.Mutex
	budget   float64
	spent    float64
	reserved float64
}

// NewCostGuard creates a guard with the given cumulative budget in cost
// units. A zero or negative budget admits nothing.
func NewCostGuard(budget float64) *CostGuard {
	return &CostGuard{budget: budget}
}

// Reserve atomically sets aside amount against the remaining budget.
// Returns false without reserving when the amount would breach the budget.
func (g *CostGuard) Reserve(amount float64) bool {
	if amount <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spent+g.reserved+amount > g.budget {
		return false
	}
	g.reserved += amount
	return true
}

// Settle releases a reservation and records the actual spend. Spend beyond
// the reservation is clamped to it, so the recorded total never exceeds the
// budget.
func (g *CostGuard) Settle(reservation, actual float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if actual > reservation {
		actual = reservation
	}
	if actual < 0 {
		actual = 0
	}
	g.reserved -= reservation
	if g.reserved < 0 {
		g.reserved = 0
	}
	g.spent += actual
}

// Spent returns the cumulative recorded spend.
func (g *CostGuard) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// Remaining returns the budget not yet spent or reserved.
func (g *CostGuard) Remaining() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	rem := g.budget - g.spent - g.reserved
	if rem < 0 {
		return 0
	}
	return rem
}

// Budget returns the configured cumulative budget.
func (g *CostGuard) Budget() float64 {
	return g.budget
}
