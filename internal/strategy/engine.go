// Package strategy runs condition-driven strategies over the indicator
// stream.
//
// Every (strategy, symbol) pair has one Instance moving through
// MONITORING → SIGNAL_DETECTED → POSITION_ACTIVE → EXITED. The Engine owns
// the instances; each instance has its own mutex, so ticks for one
// instance never interleave while different instances run in parallel.
package strategy

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/portfolio"
	"signal-pipelinev1/pkg/errors"
)

// OrderSink queues order intents without blocking.
type OrderSink interface {
	TrySubmit(intent model.OrderIntent) error
}

type instanceKey struct {
	strategyID string
	symbol     string
}

type slot struct {
	mu      sync.Mutex
	inst    *Instance
	machine *Machine
}

// Engine owns the strategy instances of a session.
type Engine struct {
	budget Budget
	orders OrderSink
	pub    events.Publisher
	pnl    *portfolio.PnLTracker

	mu        sync.RWMutex
	machines  map[string]*Machine
	instances map[instanceKey]*slot
	bySymbol  map[string][]*slot

	// ordersMu is never held while taking another lock.
	ordersMu sync.Mutex
	byOrder  map[string]*slot // client ID → instance awaiting that order

	halted atomic.Bool
}

// NewEngine creates an engine. pnl may be nil.
func NewEngine(budget Budget, orders OrderSink, pub events.Publisher, pnl *portfolio.PnLTracker) *Engine {
	return &Engine{
		budget:    budget,
		orders:    orders,
		pub:       pub,
		pnl:       pnl,
		machines:  make(map[string]*Machine),
		instances: make(map[instanceKey]*slot),
		bySymbol:  make(map[string][]*slot),
		byOrder:   make(map[string]*slot),
	}
}

// Activate creates MONITORING instances of def for symbols. Disabled or
// deleted definitions are refused with ErrCodeConfig. Symbols already
// active for def are left untouched.
func (e *Engine) Activate(def Definition, symbols []string, now float64) error {
	def = def.WithDefaults()
	if !def.Loadable() {
		return errors.Newf(errors.ErrCodeConfig, "Activate: strategy %s is disabled or deleted", def.ID)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if len(symbols) == 0 {
		symbols = def.Symbols
	}
	if len(symbols) == 0 {
		return errors.Newf(errors.ErrCodeInvalidParameter, "Activate: strategy %s has no symbols", def.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[def.ID]
	if !ok {
		m = NewMachine(def, e.budget)
		e.machines[def.ID] = m
	}
	for _, sym := range symbols {
		key := instanceKey{def.ID, sym}
		if _, exists := e.instances[key]; exists {
			continue
		}
		s := &slot{inst: NewInstance(def.ID, sym, now), machine: m}
		e.instances[key] = s
		e.bySymbol[sym] = append(e.bySymbol[sym], s)
		log.Printf("[strategy] activated %s on %s", def.ID, sym)
	}
	return nil
}

// OnTick evaluates every instance of symbol. values is the symbol's cache
// snapshot; updated tells whether this tick refreshed any indicator.
func (e *Engine) OnTick(symbol string, price float64, values map[string]float64, now float64, updated bool) {
	if e.halted.Load() {
		return
	}
	e.mu.RLock()
	slots := append([]*slot(nil), e.bySymbol[symbol]...)
	e.mu.RUnlock()

	inp := Input{Values: values, Price: price, Now: now, Updated: updated}
	for _, s := range slots {
		s.mu.Lock()
		out := s.machine.Step(s.inst, inp)
		e.submitLocked(s, &out, now)
		e.apply(s.inst.StrategyID, out)
		s.mu.Unlock()
	}
}

// submitLocked queues out's intents. A refused intent is failed back into
// the machine while the instance is still locked.
func (e *Engine) submitLocked(s *slot, out *Outcome, now float64) {
	for i := 0; i < len(out.Intents); i++ {
		intent := out.Intents[i]
		e.ordersMu.Lock()
		e.byOrder[intent.ClientID] = s
		e.ordersMu.Unlock()

		if err := e.orders.TrySubmit(intent); err != nil {
			e.forget(intent.ClientID)
			wrapped := err
			if !errors.HasCode(err, errors.ErrCodeExternalFailure) {
				wrapped = errors.Wrapf(errors.ErrCodeExternalFailure, err, "%s/%s: %s order not queued", intent.StrategyID, intent.Symbol, intent.Purpose)
			}
			failed := s.machine.OrderFailed(s.inst, intent, wrapped, now)
			out.merge(failed)
		}
	}
}

func (e *Engine) forget(clientID string) {
	e.ordersMu.Lock()
	delete(e.byOrder, clientID)
	e.ordersMu.Unlock()
}

func (e *Engine) awaiting(clientID string) (*slot, bool) {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()
	s, ok := e.byOrder[clientID]
	if ok {
		delete(e.byOrder, clientID)
	}
	return s, ok
}

// OnFill routes a terminal order result to the instance that placed it.
func (e *Engine) OnFill(fill model.Fill) {
	s, ok := e.awaiting(fill.ClientID)
	if !ok {
		log.Printf("[strategy] fill for unknown order %s ignored", fill.ClientID)
		return
	}

	s.mu.Lock()
	now := fill.TS
	if now <= 0 {
		now = s.inst.LastTS
	}
	out := s.machine.OnFill(s.inst, fill, now)
	e.submitLocked(s, &out, now)
	e.apply(s.inst.StrategyID, out)
	s.mu.Unlock()
}

// OnOrderError routes a failed submission to the instance that placed it.
func (e *Engine) OnOrderError(intent model.OrderIntent, err error) {
	s, ok := e.awaiting(intent.ClientID)
	if !ok {
		return
	}

	s.mu.Lock()
	out := s.machine.OrderFailed(s.inst, intent, err, s.inst.LastTS)
	e.apply(s.inst.StrategyID, out)
	s.mu.Unlock()
}

// apply publishes out's events and books its trades. Callers hold the
// instance lock, so an instance's events are published in transition order
// and the publisher must not block.
func (e *Engine) apply(strategyID string, out Outcome) {
	if e.pnl != nil {
		for _, p := range out.Opened {
			e.pnl.Open(strategyID, p.Symbol, decimal.NewFromFloat(p.Exposure()))
		}
		for _, t := range out.Closed {
			e.pnl.Close(t)
		}
		for _, p := range out.Abandoned {
			e.pnl.Forget(strategyID, p.Symbol)
		}
	}
	if e.pub == nil {
		return
	}
	for _, t := range out.Transitions {
		e.pub.Publish(t)
	}
	for _, sig := range out.Signals {
		e.pub.Publish(sig)
	}
	for _, r := range out.Rejections {
		log.Printf("[strategy] %s: %s", r.Topic(), r.Message)
		e.pub.Publish(r)
	}
}

// Halt stops evaluation. Fills are still applied.
func (e *Engine) Halt() { e.halted.Store(true) }

func (e *Engine) allSlots() []*slot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*slot, 0, len(e.instances))
	for _, s := range e.instances {
		out = append(out, s)
	}
	return out
}

// Flatten starts an exit for every open, filled position and returns the
// number of exits queued.
func (e *Engine) Flatten(now float64, reason string) int {
	n := 0
	for _, s := range e.allSlots() {
		s.mu.Lock()
		out := s.machine.Flatten(s.inst, now, reason)
		e.submitLocked(s, &out, now)
		for _, in := range out.Intents {
			if in.Purpose == model.PurposeExit && s.inst.ExitID == in.ClientID {
				n++
			}
		}
		e.apply(s.inst.StrategyID, out)
		s.mu.Unlock()
	}
	return n
}

// Abandon releases the budget of every position still held and resets
// the instances.
func (e *Engine) Abandon(now float64, reason string) int {
	n := 0
	for _, s := range e.allSlots() {
		s.mu.Lock()
		out := s.machine.Abandon(s.inst, now, reason)
		e.apply(s.inst.StrategyID, out)
		s.mu.Unlock()
		n += len(out.Abandoned)
	}
	e.ordersMu.Lock()
	e.byOrder = make(map[string]*slot)
	e.ordersMu.Unlock()
	return n
}

// Reset drops every instance and machine.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machines = make(map[string]*Machine)
	e.instances = make(map[instanceKey]*slot)
	e.bySymbol = make(map[string][]*slot)
	e.ordersMu.Lock()
	e.byOrder = make(map[string]*slot)
	e.ordersMu.Unlock()
	e.halted.Store(false)
}

// Instances returns a snapshot of every instance sorted by strategy and
// symbol.
func (e *Engine) Instances() []Instance {
	slots := e.allSlots()
	out := make([]Instance, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.inst.Snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Instance returns a snapshot of one instance.
func (e *Engine) Instance(strategyID, symbol string) (Instance, bool) {
	e.mu.RLock()
	s, ok := e.instances[instanceKey{strategyID, symbol}]
	e.mu.RUnlock()
	if !ok {
		return Instance{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst.Snapshot(), true
}

// Open returns every open position.
func (e *Engine) Open() []model.Position {
	var out []model.Position
	for _, in := range e.Instances() {
		if in.Position != nil {
			out = append(out, *in.Position)
		}
	}
	return out
}
