package window

import (
	"math"
	"sync"

	"github.com/moznion/go-optional"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/ringbuf"
	"signal-pipelinev1/pkg/errors"
)

// Sample is the part of a tick the window keeps.
type Sample struct {
	TS     float64
	Price  float64
	Volume float64
	Bid    float64
	Ask    float64
}

// Buffer holds the recent samples of one symbol, ordered by TS.
//
// Each sample is the "current" price from its TS until the next sample's TS
// (last observation carried forward); the newest sample stays current until
// the end of whatever window is being integrated.
type Buffer struct {
	mu        sync.Mutex
	samples   *ringbuf.Ring[Sample]
	maxWindow float64
	rejected  uint64
}

// NewBuffer creates a buffer holding at most maxSamples samples.
func NewBuffer(maxSamples int) *Buffer {
	return &Buffer{samples: ringbuf.New[Sample](maxSamples)}
}

// SetMaxWindow raises the retention window. It never shrinks so that a
// variant registered earlier keeps its history.
func (b *Buffer) SetMaxWindow(seconds float64) {
	b.mu.Lock()
	if seconds > b.maxWindow {
		b.maxWindow = seconds
	}
	b.mu.Unlock()
}

// MaxWindow returns the retention window in seconds.
func (b *Buffer) MaxWindow() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxWindow
}

// Ingest appends the tick and lazily evicts samples that fell out of the
// retention window. Returns false in overflowed when the sample cap forced
// the oldest sample out.
func (b *Buffer) Ingest(t model.Tick) (overflowed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.samples.Back(); ok && t.TS < last.TS {
		b.rejected++
		return false, errors.Newf(errors.ErrCodeOutOfOrder,
			"tick %s at %.3f is older than last sample %.3f", t.Symbol, t.TS, last.TS)
	}

	ok := b.samples.Push(Sample{TS: t.TS, Price: t.Price, Volume: t.Volume, Bid: t.Bid, Ask: t.Ask})
	b.evict(t.TS)
	return !ok, nil
}

// evict drops samples older than now-maxWindow, keeping the last sample at
// or before the cutoff because it is still the carried-forward price at the
// start of the widest window.
func (b *Buffer) evict(now float64) {
	cutoff := now - b.maxWindow
	for b.samples.Len() >= 2 && b.samples.At(1).TS <= cutoff {
		b.samples.PopFront()
	}
}

// Len returns the number of retained samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples.Len()
}

// Rejected returns the number of out-of-order ticks refused.
func (b *Buffer) Rejected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Last returns the newest sample.
func (b *Buffer) Last() (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples.Back()
}

// View runs fn with exclusive read access to the samples.
func (b *Buffer) View(fn func(s Series)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(Series{ring: b.samples})
}

// Series is a read-only view over buffered samples used by algorithms.
type Series struct {
	ring *ringbuf.Ring[Sample]
}

// Len returns the number of samples.
func (s Series) Len() int { return s.ring.Len() }

// At returns the i-th oldest sample.
func (s Series) At(i int) Sample { return s.ring.At(i) }

// Last returns the newest sample.
func (s Series) Last() (Sample, bool) { return s.ring.Back() }

// WeightFunc returns the weight of sample smp over the clipped span [lo, hi].
type WeightFunc func(smp Sample, lo, hi float64) float64

// ValueFunc extracts the series being averaged from a sample.
type ValueFunc func(smp Sample) float64

func priceOf(smp Sample) float64 { return smp.Price }

func unitWeight(Sample, float64, float64) float64 { return 1 }

func volumeWeight(smp Sample, _, _ float64) float64 { return smp.Volume }

// Integrate computes Σ value·weight·duration / Σ weight·duration over
// [from, to]. Every time-weighted primitive is an instance of this.
// Returns None for an empty or zero-length window, or a zero denominator.
func (s Series) Integrate(from, to float64, value ValueFunc, weight WeightFunc) optional.Option[float64] {
	if !(to > from) {
		return optional.None[float64]()
	}

	n := s.ring.Len()
	var num, den float64
	for i := 0; i < n; i++ {
		smp := s.ring.At(i)
		if smp.TS >= to {
			break
		}
		end := to
		if i+1 < n {
			end = s.ring.At(i + 1).TS
		}
		if end <= from {
			continue
		}
		lo := math.Max(smp.TS, from)
		hi := math.Min(end, to)
		d := hi - lo
		if d <= 0 {
			continue
		}
		w := weight(smp, lo, hi) * d
		if w <= 0 {
			continue
		}
		num += value(smp) * w
		den += w
	}
	return ratio(num, den)
}

// TWPA is the time-weighted price average over [from, to].
func (s Series) TWPA(from, to float64) optional.Option[float64] {
	return s.Integrate(from, to, priceOf, unitWeight)
}

// VWAP is the volume- and time-weighted price average over [from, to].
func (s Series) VWAP(from, to float64) optional.Option[float64] {
	return s.Integrate(from, to, priceOf, volumeWeight)
}

// Volume sums traded volume of samples with from < TS <= to.
func (s Series) Volume(from, to float64) float64 {
	var total float64
	for i := 0; i < s.ring.Len(); i++ {
		smp := s.ring.At(i)
		if smp.TS > from && smp.TS <= to {
			total += smp.Volume
		}
	}
	return total
}

// Segments splits [from, to] into n equal sub-windows and returns the TWPA
// of each one that has data, oldest first.
func (s Series) Segments(from, to float64, n int) []float64 {
	if n <= 0 || !(to > from) {
		return nil
	}
	step := (to - from) / float64(n)
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		lo := from + float64(i)*step
		hi := lo + step
		if i == n-1 {
			hi = to
		}
		if v, err := s.TWPA(lo, hi).Take(); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// ratio returns num/den unless the result is undefined.
func ratio(num, den float64) optional.Option[float64] {
	if den == 0 || math.IsNaN(den) {
		return optional.None[float64]()
	}
	return finite(num / den)
}

func finite(v float64) optional.Option[float64] {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return optional.None[float64]()
	}
	return optional.Some(v)
}
