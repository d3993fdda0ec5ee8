package window

import (
	"math"

	"github.com/moznion/go-optional"

	"signal-pipelinev1/internal/variant"
)

// Algorithm computes one base indicator from a sample series at time now.
// Implementations compose the TWPA/VWAP primitives of Series and must return
// None rather than a placeholder when the window holds no usable data.
type Algorithm interface {
	Compute(s Series, p variant.Params, now float64) optional.Option[float64]
}

// AlgorithmFunc adapts a function to Algorithm.
type AlgorithmFunc func(s Series, p variant.Params, now float64) optional.Option[float64]

func (f AlgorithmFunc) Compute(s Series, p variant.Params, now float64) optional.Option[float64] {
	return f(s, p, now)
}

// algorithms is the closed dispatch table of base types.
var algorithms = map[variant.BaseType]Algorithm{
	variant.TWPA:             AlgorithmFunc(twpa),
	variant.VWAP:             AlgorithmFunc(vwap),
	variant.PriceVelocity:    AlgorithmFunc(priceVelocity),
	variant.VolumeSurge:      AlgorithmFunc(volumeSurge),
	variant.PumpMagnitudePct: AlgorithmFunc(pumpMagnitudePct),
	variant.BollingerUpper:   bollinger{band: +1},
	variant.BollingerMid:     bollinger{band: 0},
	variant.BollingerLower:   bollinger{band: -1},
	variant.Volatility:       AlgorithmFunc(volatility),
	variant.DecayedTWPA:      AlgorithmFunc(decayedTWPA),
	variant.SpreadPct:        AlgorithmFunc(spreadPct),
	variant.LastPrice:        AlgorithmFunc(lastPrice),
}

// AlgorithmFor returns the implementation of b.
func AlgorithmFor(b variant.BaseType) (Algorithm, bool) {
	a, ok := algorithms[b]
	return a, ok
}

func twpa(s Series, p variant.Params, now float64) optional.Option[float64] {
	return s.TWPA(now-p.T1, now-p.T2)
}

func vwap(s Series, p variant.Params, now float64) optional.Option[float64] {
	return s.VWAP(now-p.T1, now-p.T2)
}

// priceVelocity is the relative change between the TWPA of the last T2
// seconds and the TWPA of the same-length window T1 seconds earlier.
func priceVelocity(s Series, p variant.Params, now float64) optional.Option[float64] {
	cur, err := s.TWPA(now-p.T2, now).Take()
	if err != nil {
		return optional.None[float64]()
	}
	past, err := s.TWPA(now-p.T1-p.T2, now-p.T1).Take()
	if err != nil || past == 0 {
		return optional.None[float64]()
	}
	return finite((cur - past) / past)
}

// volumeSurge compares the volume rate of (now-T1, now] with the rate of the
// baseline (now-T2, now-T1]. Rates are per second so windows of different
// lengths compare.
func volumeSurge(s Series, p variant.Params, now float64) optional.Option[float64] {
	curSpan := p.T1
	baseSpan := p.T2 - p.T1
	if curSpan <= 0 || baseSpan <= 0 {
		return optional.None[float64]()
	}
	first, ok := firstTS(s)
	if !ok || first > now-p.T2 {
		// baseline not fully observed yet
		return optional.None[float64]()
	}
	base := s.Volume(now-p.T2, now-p.T1) / baseSpan
	if base == 0 {
		return optional.None[float64]()
	}
	cur := s.Volume(now-p.T1, now) / curSpan
	return finite(cur / base)
}

// pumpMagnitudePct is the percent move of the TWPA over [now-T2, now]
// against the baseline TWPA over [now-T1, now-T2].
func pumpMagnitudePct(s Series, p variant.Params, now float64) optional.Option[float64] {
	base, err := s.TWPA(now-p.T1, now-p.T2).Take()
	if err != nil || base == 0 {
		return optional.None[float64]()
	}
	cur, err := s.TWPA(now-p.T2, now).Take()
	if err != nil {
		return optional.None[float64]()
	}
	return finite((cur - base) / base * 100)
}

// bollinger is SMA ± T3 standard deviations over Window segment TWPAs.
type bollinger struct {
	band float64
}

func (b bollinger) Compute(s Series, p variant.Params, now float64) optional.Option[float64] {
	mean, sd, ok := segmentStats(s, p, now)
	if !ok {
		return optional.None[float64]()
	}
	return finite(mean + b.band*p.T3*sd)
}

// volatility is the coefficient of variation of segment TWPAs.
func volatility(s Series, p variant.Params, now float64) optional.Option[float64] {
	mean, sd, ok := segmentStats(s, p, now)
	if !ok || mean == 0 {
		return optional.None[float64]()
	}
	return finite(sd / mean)
}

// decayedTWPA weights each observation by exp(-Decay·age) on top of its
// duration, age measured from now to the middle of the observed span.
func decayedTWPA(s Series, p variant.Params, now float64) optional.Option[float64] {
	weight := func(_ Sample, lo, hi float64) float64 {
		age := now - (lo+hi)/2
		return math.Exp(-p.Decay * age)
	}
	return s.Integrate(now-p.T1, now, priceOf, weight)
}

// spreadPct is the time-weighted bid/ask spread in percent of mid. Samples
// without both book sides carry no weight.
func spreadPct(s Series, p variant.Params, now float64) optional.Option[float64] {
	value := func(smp Sample) float64 {
		mid := (smp.Bid + smp.Ask) / 2
		return (smp.Ask - smp.Bid) / mid * 100
	}
	weight := func(smp Sample, _, _ float64) float64 {
		if smp.Bid > 0 && smp.Ask >= smp.Bid {
			return 1
		}
		return 0
	}
	return s.Integrate(now-p.T1, now-p.T2, value, weight)
}

func lastPrice(s Series, _ variant.Params, _ float64) optional.Option[float64] {
	last, ok := s.Last()
	if !ok {
		return optional.None[float64]()
	}
	return optional.Some(last.Price)
}

func segmentStats(s Series, p variant.Params, now float64) (mean, sd float64, ok bool) {
	segs := s.Segments(now-p.T1, now, p.Window)
	if len(segs) < 2 {
		return 0, 0, false
	}
	for _, v := range segs {
		mean += v
	}
	mean /= float64(len(segs))
	var sq float64
	for _, v := range segs {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(segs))), true
}

func firstTS(s Series) (float64, bool) {
	if s.Len() == 0 {
		return 0, false
	}
	return s.At(0).TS, true
}
