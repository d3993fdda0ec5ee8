package portfolio

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"signal-pipelinev1/internal/model"
)

// ClosedTrade is a round trip settled by a strategy instance.
type ClosedTrade struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       model.Side      `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Reserved   decimal.Decimal `json:"reserved"`
	OpenedAt   float64         `json:"opened_at"`
	ClosedAt   float64         `json:"closed_at"`
	Reason     string          `json:"reason"`
}

// PnL returns the realized profit of the trade.
func (t ClosedTrade) PnL() decimal.Decimal {
	diff := t.ExitPrice.Sub(t.EntryPrice).Mul(t.Qty)
	if t.Side == model.SideSell {
		return diff.Neg()
	}
	return diff
}

type strategyPnL struct {
	realized decimal.Decimal
	deployed decimal.Decimal // capital committed across all closed trades
	exposure map[string]decimal.Decimal
	trades   int
	wins     int
}

// PnLTracker tracks realized PnL and open exposure per strategy.
type PnLTracker struct {
	mu         sync.RWMutex
	strategies map[string]*strategyPnL
	trades     []ClosedTrade
}

// NewPnLTracker creates an empty tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		strategies: make(map[string]*strategyPnL),
		trades:     make([]ClosedTrade, 0, 500),
	}
}

func (p *PnLTracker) get(strategyID string) *strategyPnL {
	s, ok := p.strategies[strategyID]
	if !ok {
		s = &strategyPnL{exposure: make(map[string]decimal.Decimal)}
		p.strategies[strategyID] = s
	}
	return s
}

// Open records the exposure of a filled entry.
func (p *PnLTracker) Open(strategyID, symbol string, notional decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.get(strategyID)
	s.exposure[symbol] = s.exposure[symbol].Add(notional)
}

// Close settles a trade, clears the symbol's exposure and returns the
// realized PnL.
func (p *PnLTracker) Close(t ClosedTrade) decimal.Decimal {
	pnl := t.PnL()

	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.get(t.StrategyID)
	delete(s.exposure, t.Symbol)
	s.realized = s.realized.Add(pnl)
	s.deployed = s.deployed.Add(t.Reserved)
	s.trades++
	if pnl.IsPositive() {
		s.wins++
	}
	p.trades = append(p.trades, t)
	return pnl
}

// Forget drops the open exposure of a position closed without a fill.
func (p *PnLTracker) Forget(strategyID, symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.strategies[strategyID]; ok {
		delete(s.exposure, symbol)
	}
}

// Summary is the PnL view of one strategy.
type Summary struct {
	StrategyID  string          `json:"strategy_id"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	// ReturnPct is realized PnL relative to the capital the strategy deployed.
	ReturnPct   float64         `json:"return_pct"`
	Exposure    decimal.Decimal `json:"exposure"`
	OpenSymbols int             `json:"open_symbols"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
}

// Summary returns the PnL view of strategyID.
func (p *PnLTracker) Summary(strategyID string) Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := Summary{StrategyID: strategyID}
	s, ok := p.strategies[strategyID]
	if !ok {
		return out
	}
	out.RealizedPnL = s.realized
	out.Trades = s.trades
	out.Wins = s.wins
	out.OpenSymbols = len(s.exposure)
	for _, e := range s.exposure {
		out.Exposure = out.Exposure.Add(e)
	}
	if s.deployed.IsPositive() {
		out.ReturnPct = s.realized.Div(s.deployed).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return out
}

// Summaries returns the view of every strategy seen, sorted by ID.
func (p *PnLTracker) Summaries() []Summary {
	p.mu.RLock()
	ids := make([]string, 0, len(p.strategies))
	for id := range p.strategies {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.Summary(id))
	}
	return out
}

// Trades returns a copy of every closed trade.
func (p *PnLTracker) Trades() []ClosedTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]ClosedTrade, len(p.trades))
	copy(cp, p.trades)
	return cp
}
