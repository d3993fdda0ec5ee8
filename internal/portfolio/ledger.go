// Package portfolio holds the budget ledger and per-strategy PnL bookkeeping.
//
// The ledger is the only place capital is allocated. Every entry reserves
// before its order is sent and every exit path releases, so the sum of
// allocations never exceeds the global cap.
package portfolio

import (
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"signal-pipelinev1/pkg/errors"
)

// Entry is the ledger view of one strategy.
type Entry struct {
	StrategyID string          `json:"strategy_id"`
	Allocated  decimal.Decimal `json:"allocated"`
	Limit      decimal.Decimal `json:"limit"` // zero = no per-strategy limit
}

// available returns the headroom under the strategy limit, bounded by the
// global headroom.
func (e Entry) available(globalFree decimal.Decimal) decimal.Decimal {
	if e.Limit.IsZero() {
		return globalFree
	}
	free := e.Limit.Sub(e.Allocated)
	if free.GreaterThan(globalFree) {
		return globalFree
	}
	return free
}

// Ledger tracks capital allocated per strategy against a global cap.
// All operations take the one mutex; reserve and release are atomic with
// respect to each other.
type Ledger struct {
	mu        sync.Mutex
	globalCap decimal.Decimal
	allocated decimal.Decimal
	entries   map[string]*Entry

	// OnChange is called after every successful reserve or release (optional).
	OnChange func(allocated, globalCap decimal.Decimal)
}

// NewLedger creates a ledger with the given global cap.
func NewLedger(globalCap decimal.Decimal) *Ledger {
	return &Ledger{
		globalCap: globalCap,
		entries:   make(map[string]*Entry),
	}
}

// SetLimit sets a per-strategy limit; zero removes it.
func (l *Ledger) SetLimit(strategyID string, limit decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(strategyID).Limit = limit
}

func (l *Ledger) entry(strategyID string) *Entry {
	e, ok := l.entries[strategyID]
	if !ok {
		e = &Entry{StrategyID: strategyID}
		l.entries[strategyID] = e
	}
	return e
}

// Reserve allocates amount to strategyID. It fails with
// ErrCodeBudgetExceeded, leaving the ledger unchanged, when the allocation
// would exceed the global cap or the strategy limit.
func (l *Ledger) Reserve(strategyID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Newf(errors.ErrCodeInvalidParameter, "Reserve: amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	next := l.allocated.Add(amount)
	if next.GreaterThan(l.globalCap) {
		l.mu.Unlock()
		return errors.Newf(errors.ErrCodeBudgetExceeded,
			"Reserve: %s for %s exceeds cap %s (allocated %s)", amount, strategyID, l.globalCap, l.allocated)
	}
	e := l.entry(strategyID)
	if !e.Limit.IsZero() && e.Allocated.Add(amount).GreaterThan(e.Limit) {
		l.mu.Unlock()
		return errors.Newf(errors.ErrCodeBudgetExceeded,
			"Reserve: %s for %s exceeds strategy limit %s (allocated %s)", amount, strategyID, e.Limit, e.Allocated)
	}
	e.Allocated = e.Allocated.Add(amount)
	l.allocated = next
	allocated, globalCap := l.allocated, l.globalCap
	l.mu.Unlock()

	if l.OnChange != nil {
		l.OnChange(allocated, globalCap)
	}
	return nil
}

// Release returns amount from strategyID. Releasing more than is allocated
// clamps to the allocation and is logged; allocations never go negative.
func (l *Ledger) Release(strategyID string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	l.mu.Lock()
	e := l.entry(strategyID)
	if amount.GreaterThan(e.Allocated) {
		log.Printf("[ledger] over-release for %s: %s requested, %s allocated", strategyID, amount, e.Allocated)
		amount = e.Allocated
	}
	e.Allocated = e.Allocated.Sub(amount)
	l.allocated = l.allocated.Sub(amount)
	allocated, globalCap := l.allocated, l.globalCap
	l.mu.Unlock()

	if l.OnChange != nil {
		l.OnChange(allocated, globalCap)
	}
}

// Entry returns a copy of the strategy's ledger entry and its headroom.
func (l *Ledger) Entry(strategyID string) (Entry, decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[strategyID]
	if !ok {
		return Entry{StrategyID: strategyID}, l.globalCap.Sub(l.allocated)
	}
	return *e, e.available(l.globalCap.Sub(l.allocated))
}

// Allocated returns the total allocated capital.
func (l *Ledger) Allocated() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated
}

// Available returns the capital left under the global cap.
func (l *Ledger) Available() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalCap.Sub(l.allocated)
}

// Cap returns the global cap.
func (l *Ledger) Cap() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalCap
}

// Entries returns every strategy entry sorted by strategy ID.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Status returns a summary for the control API.
func (l *Ledger) Status() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"global_cap": l.globalCap.String(),
		"allocated":  l.allocated.String(),
		"available":  l.globalCap.Sub(l.allocated).String(),
		"strategies": len(l.entries),
	}
}
