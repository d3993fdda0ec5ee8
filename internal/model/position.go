package model

import "github.com/shopspring/decimal"

// Side is the direction of a position or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position is an open position held by exactly one strategy instance.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice float64         `json:"entry_price"`
	Size       float64         `json:"size"`
	OpenedAt   float64         `json:"opened_at"`
	Reserved   decimal.Decimal `json:"reserved"` // capital held in the ledger

	// Pending is true until the entry order is filled.
	Pending bool   `json:"pending"`
	EntryID string `json:"entry_id"`
}

// PnLPct returns the unrealized return in percent at price last.
func (p *Position) PnLPct(last float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	pct := (last - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == SideSell {
		return -pct
	}
	return pct
}

// PnL returns the unrealized profit at price last.
func (p *Position) PnL(last float64) float64 {
	diff := (last - p.EntryPrice) * p.Size
	if p.Side == SideSell {
		return -diff
	}
	return diff
}

// Exposure returns the notional value of the position at entry.
func (p *Position) Exposure() float64 {
	return p.EntryPrice * p.Size
}
