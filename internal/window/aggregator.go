// Package window implements the windowed aggregator: per-symbol tick buffers
// and the time-weighted primitives every indicator is computed from.
//
// The buffers are plain in-memory state owned by an Aggregator value; there
// is no package-level state.
package window

import (
	"sort"
	"sync"

	"github.com/moznion/go-optional"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

// DefaultMaxSamples caps the samples retained per symbol regardless of the
// configured windows.
const DefaultMaxSamples = 100_000

// Aggregator owns one Buffer per symbol.
type Aggregator struct {
	mu         sync.RWMutex
	buffers    map[string]*Buffer
	maxSamples int

	// OnOverflow is called when the sample cap forced the oldest sample out.
	OnOverflow func(symbol string)
	// OnRejected is called for out-of-order ticks.
	OnRejected func(symbol string)
}

// NewAggregator creates an aggregator. maxSamples <= 0 uses DefaultMaxSamples.
func NewAggregator(maxSamples int) *Aggregator {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Aggregator{
		buffers:    make(map[string]*Buffer),
		maxSamples: maxSamples,
	}
}

func (a *Aggregator) buffer(symbol string) *Buffer {
	a.mu.RLock()
	b, ok := a.buffers[symbol]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.buffers[symbol]; !ok {
		b = NewBuffer(a.maxSamples)
		a.buffers[symbol] = b
	}
	return b
}

// SetMaxWindow raises the retention window of symbol to at least seconds.
func (a *Aggregator) SetMaxWindow(symbol string, seconds float64) {
	a.buffer(symbol).SetMaxWindow(seconds)
}

// Ingest validates the tick and appends it to its symbol's buffer.
func (a *Aggregator) Ingest(t model.Tick) error {
	if err := t.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "ingest", err)
	}
	overflowed, err := a.buffer(t.Symbol).Ingest(t)
	if err != nil {
		if a.OnRejected != nil {
			a.OnRejected(t.Symbol)
		}
		return err
	}
	if overflowed && a.OnOverflow != nil {
		a.OnOverflow(t.Symbol)
	}
	return nil
}

// Compute evaluates v for symbol at time now. Returns None when the symbol
// has no data or the window is insufficient.
func (a *Aggregator) Compute(symbol string, v variant.Variant, now float64) optional.Option[float64] {
	algo, ok := AlgorithmFor(v.BaseType)
	if !ok {
		return optional.None[float64]()
	}
	a.mu.RLock()
	b, ok := a.buffers[symbol]
	a.mu.RUnlock()
	if !ok {
		return optional.None[float64]()
	}

	var out optional.Option[float64]
	b.View(func(s Series) {
		out = algo.Compute(s, v.Params, now)
	})
	return out
}

// Len returns the number of retained samples for symbol.
func (a *Aggregator) Len(symbol string) int {
	a.mu.RLock()
	b, ok := a.buffers[symbol]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.Len()
}

// MaxWindow returns the retention window of symbol.
func (a *Aggregator) MaxWindow(symbol string) float64 {
	a.mu.RLock()
	b, ok := a.buffers[symbol]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.MaxWindow()
}

// Symbols returns the symbols with a buffer, sorted.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.buffers))
	for s := range a.buffers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Reset drops every buffer.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.buffers = make(map[string]*Buffer)
	a.mu.Unlock()
}
