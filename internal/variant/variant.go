// Package variant defines indicator variants: a named parameterization of one
// of the closed set of base algorithms the windowed aggregator implements.
package variant

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"signal-pipelinev1/pkg/errors"
)

// BaseType is the closed set of base algorithms.
type BaseType string

const (
	TWPA             BaseType = "twpa"
	VWAP             BaseType = "vwap"
	PriceVelocity    BaseType = "price_velocity"
	VolumeSurge      BaseType = "volume_surge"
	PumpMagnitudePct BaseType = "pump_magnitude_pct"
	BollingerUpper   BaseType = "bollinger_upper"
	BollingerMid     BaseType = "bollinger_mid"
	BollingerLower   BaseType = "bollinger_lower"
	Volatility       BaseType = "volatility"
	DecayedTWPA      BaseType = "decayed_twpa"
	SpreadPct        BaseType = "spread_pct"
	LastPrice        BaseType = "last_price"
)

// BaseTypes lists every supported base algorithm.
func BaseTypes() []BaseType {
	return []BaseType{
		TWPA, VWAP, PriceVelocity, VolumeSurge, PumpMagnitudePct,
		BollingerUpper, BollingerMid, BollingerLower, Volatility,
		DecayedTWPA, SpreadPct, LastPrice,
	}
}

// Valid reports whether b is a supported base algorithm.
func (b BaseType) Valid() bool {
	for _, t := range BaseTypes() {
		if t == b {
			return true
		}
	}
	return false
}

// Defaults applied when a parameter is left at zero.
const (
	DefaultRefreshInterval = 1.0 // seconds
	DefaultSegments        = 20
	DefaultBandWidth       = 2.0
	DefaultSmoothing       = 1.0 // seconds, price_velocity averaging window
)

// Params are the tunables of a variant. Times are in seconds before now.
//
//	twpa, vwap, spread_pct:  window [now-T1, now-T2]
//	price_velocity:          lookback T1, averaging window T2
//	volume_surge:            current (now-T1, now] vs baseline (now-T2, now-T1]
//	pump_magnitude_pct:      baseline [now-T1, now-T2] vs current [now-T2, now]
//	bollinger_*, volatility: span T1 split into Window segments, band width T3
//	decayed_twpa:            span T1, decay rate Decay per second
type Params struct {
	T1     float64 `yaml:"t1" json:"t1" validate:"gte=0"`
	T2     float64 `yaml:"t2" json:"t2" validate:"gte=0"`
	T3     float64 `yaml:"t3" json:"t3" validate:"gte=0"`
	Decay  float64 `yaml:"decay" json:"decay" validate:"gte=0"`
	Window int     `yaml:"window" json:"window" validate:"gte=0"`
}

// Variant is an immutable, named parameterization of a base algorithm.
type Variant struct {
	ID              string   `yaml:"id" json:"id" validate:"required"`
	BaseType        BaseType `yaml:"base_type" json:"base_type" validate:"required"`
	Params          Params   `yaml:"params" json:"params"`
	RefreshInterval float64  `yaml:"refresh_interval_seconds" json:"refresh_interval_seconds" validate:"gte=0"`
}

// NormalizeKey is the single normalization applied to indicator keys, both
// when values are written to the cache and when conditions are authored.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Key returns the normalized variant ID.
func (v Variant) Key() string {
	return NormalizeKey(v.ID)
}

// MaxWindow returns how many seconds of history the algorithm reads.
func (v Variant) MaxWindow() float64 {
	p := v.Params
	switch v.BaseType {
	case PriceVelocity:
		return p.T1 + p.T2
	case VolumeSurge:
		return p.T2
	case LastPrice:
		return 0
	default:
		return p.T1
	}
}

// withDefaults returns a copy with zero-valued tunables replaced.
func (v Variant) withDefaults() Variant {
	v.BaseType = BaseType(NormalizeKey(string(v.BaseType)))
	if v.RefreshInterval == 0 {
		v.RefreshInterval = DefaultRefreshInterval
	}
	switch v.BaseType {
	case PriceVelocity:
		if v.Params.T2 == 0 {
			v.Params.T2 = DefaultSmoothing
		}
	case BollingerUpper, BollingerMid, BollingerLower, Volatility:
		if v.Params.Window == 0 {
			v.Params.Window = DefaultSegments
		}
		if v.Params.T3 == 0 {
			v.Params.T3 = DefaultBandWidth
		}
	}
	return v
}

// Validate checks the variant after defaults have been applied.
func (v Variant) Validate() error {
	if err := validator.New().Struct(v); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "invalid variant", err)
	}
	if !v.BaseType.Valid() {
		return errors.Newf(errors.ErrCodeConfig, "variant %s: unknown base type %q", v.ID, v.BaseType)
	}

	p := v.Params
	bad := func(rule string) error {
		return errors.Newf(errors.ErrCodeConfig, "variant %s (%s): %s", v.ID, v.BaseType, rule)
	}
	switch v.BaseType {
	case TWPA, VWAP, SpreadPct:
		if !(p.T1 > p.T2) {
			return bad("t1 must be greater than t2")
		}
	case PriceVelocity:
		if !(p.T1 > 0) {
			return bad("t1 lookback must be positive")
		}
	case VolumeSurge:
		if !(p.T1 > 0 && p.T2 > p.T1) {
			return bad("require 0 < t1 < t2")
		}
	case PumpMagnitudePct:
		if !(p.T2 > 0 && p.T1 > p.T2) {
			return bad("require 0 < t2 < t1")
		}
	case BollingerUpper, BollingerMid, BollingerLower, Volatility:
		if !(p.T1 > 0) {
			return bad("t1 span must be positive")
		}
		if p.Window < 2 {
			return bad("window must be at least 2 segments")
		}
	case DecayedTWPA:
		if !(p.T1 > 0 && p.Decay > 0) {
			return bad("t1 and decay must be positive")
		}
	}
	if !(v.RefreshInterval > 0) {
		return bad("refresh interval must be positive")
	}
	return nil
}
