package indicator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moznion/go-optional"

	"signal-pipelinev1/internal/variant"
)

// Computer is the part of the windowed aggregator the scheduler needs.
type Computer interface {
	Compute(symbol string, v variant.Variant, now float64) optional.Option[float64]
	SetMaxWindow(symbol string, seconds float64)
}

// Update is one recomputed value, emitted as indicator.updated.
type Update = Value

type registration struct {
	variant      variant.Variant
	lastComputed float64
	computed     bool
}

// symbolSchedule holds the registrations of one symbol. Its mutex is shared
// by Register and OnTick, so a registration made before a tick is always
// visible to that tick.
type symbolSchedule struct {
	mu   sync.Mutex
	regs map[string]*registration
}

// Scheduler recomputes registered variants once their refresh interval has
// elapsed and stores the results in the cache.
type Scheduler struct {
	computer Computer
	cache    *Cache

	mu      sync.RWMutex
	symbols map[string]*symbolSchedule

	computes atomic.Uint64
	skips    atomic.Uint64

	// OnCompute observes the duration of each recompute (optional).
	OnCompute func(d time.Duration)
}

// NewScheduler creates a scheduler writing into cache.
func NewScheduler(computer Computer, cache *Cache) *Scheduler {
	return &Scheduler{
		computer: computer,
		cache:    cache,
		symbols:  make(map[string]*symbolSchedule),
	}
}

// Cache returns the cache the scheduler writes to.
func (s *Scheduler) Cache() *Cache { return s.cache }

func (s *Scheduler) schedule(symbol string, create bool) *symbolSchedule {
	s.mu.RLock()
	ss, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok || !create {
		return ss
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok = s.symbols[symbol]; !ok {
		ss = &symbolSchedule{regs: make(map[string]*registration)}
		s.symbols[symbol] = ss
	}
	return ss
}

// Register schedules v for symbol and widens the symbol's retention window.
// Returns false if the pair was already registered.
func (s *Scheduler) Register(symbol string, v variant.Variant) bool {
	s.computer.SetMaxWindow(symbol, v.MaxWindow())

	ss := s.schedule(symbol, true)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, exists := ss.regs[v.Key()]; exists {
		return false
	}
	ss.regs[v.Key()] = &registration{variant: v}
	return true
}

// Unregister stops refreshing variantID for symbol and drops its cached value.
func (s *Scheduler) Unregister(symbol, variantID string) {
	ss := s.schedule(symbol, false)
	if ss == nil {
		return
	}
	key := variant.NormalizeKey(variantID)
	ss.mu.Lock()
	delete(ss.regs, key)
	ss.mu.Unlock()
	s.cache.Remove(symbol, key)
}

// IsRegistered reports whether variantID is scheduled for symbol.
func (s *Scheduler) IsRegistered(symbol, variantID string) bool {
	ss := s.schedule(symbol, false)
	if ss == nil {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.regs[variant.NormalizeKey(variantID)]
	return ok
}

// Registered returns the variants scheduled for symbol, sorted by key.
func (s *Scheduler) Registered(symbol string) []variant.Variant {
	ss := s.schedule(symbol, false)
	if ss == nil {
		return nil
	}
	ss.mu.Lock()
	out := make([]variant.Variant, 0, len(ss.regs))
	for _, r := range ss.regs {
		out = append(out, r.variant)
	}
	ss.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// OnTick recomputes every registration of symbol whose refresh interval
// has elapsed at now, writes the results to the cache and returns them.
// Results without data are returned too (HasValue false) so consumers see
// that a recompute happened.
func (s *Scheduler) OnTick(symbol string, now float64) []Update {
	ss := s.schedule(symbol, false)
	if ss == nil {
		return nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	var updates []Update
	for _, r := range ss.regs {
		if r.computed && now-r.lastComputed < r.variant.RefreshInterval {
			s.skips.Add(1)
			continue
		}
		start := time.Now()
		val := s.computer.Compute(symbol, r.variant, now)
		if s.OnCompute != nil {
			s.OnCompute(time.Since(start))
		}
		s.computes.Add(1)
		r.computed = true
		r.lastComputed = now

		u := Value{
			Symbol:    symbol,
			VariantID: r.variant.ID,
			BaseType:  r.variant.BaseType,
			Value:     val,
			Bucket:    Bucket(now, r.variant.RefreshInterval),
			TS:        now,
		}
		s.cache.Put(u)
		u.Key = r.variant.Key()
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Key < updates[j].Key })
	return updates
}

// Clear drops every registration and cached value.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.symbols = make(map[string]*symbolSchedule)
	s.mu.Unlock()
	s.cache.Clear()
}

// Stats returns the number of recomputes and of skipped (not yet due) checks.
func (s *Scheduler) Stats() (computes, skips uint64) {
	return s.computes.Load(), s.skips.Load()
}

// HasValue reports whether the update carries data.
func HasValue(u Update) bool {
	return u.Value.IsSome()
}
