package model

import (
	"math"
	"time"

	"signal-pipelinev1/pkg/errors"
)

// Tick is a single market data point for one symbol. Ticks are produced by
// the feed and never mutated downstream.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"` // traded quantity since the previous tick
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TS     float64 `json:"ts"` // seconds since epoch, fractional
}

// Time converts TS to a UTC time.Time.
func (t *Tick) Time() time.Time {
	sec, frac := math.Modf(t.TS)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Validate checks the fields the aggregator relies on. Every numeric field
// must be finite; Bid and Ask may be zero when the book side is unknown.
func (t *Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return errors.New(errors.ErrCodeInvalidParameter, "tick: empty symbol")
	case !finite(t.TS) || t.TS <= 0:
		return errors.Newf(errors.ErrCodeInvalidParameter, "tick %s: invalid ts %v", t.Symbol, t.TS)
	case !finite(t.Price) || t.Price <= 0:
		return errors.Newf(errors.ErrCodeInvalidParameter, "tick %s: invalid price %v", t.Symbol, t.Price)
	case !finite(t.Volume) || t.Volume < 0:
		return errors.Newf(errors.ErrCodeInvalidParameter, "tick %s: invalid volume %v", t.Symbol, t.Volume)
	case !finite(t.Bid) || t.Bid < 0:
		return errors.Newf(errors.ErrCodeInvalidParameter, "tick %s: invalid bid %v", t.Symbol, t.Bid)
	case !finite(t.Ask) || t.Ask < 0:
		return errors.Newf(errors.ErrCodeInvalidParameter, "tick %s: invalid ask %v", t.Symbol, t.Ask)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Seconds converts a time.Time into the fractional-seconds representation
// used by Tick.TS.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
