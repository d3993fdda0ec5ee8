package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Publisher accepts events. Publish never blocks.
type Publisher interface {
	Publish(e Event)
}

// Bus broadcasts events to every subscriber. A subscriber whose channel is
// full misses the event; the drop is counted so a slow sink never blocks
// the pipeline.
type Bus struct {
	mu      sync.RWMutex
	outputs []subscriber
	bufSize int
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriber string, e Event)
}

type subscriber struct {
	name string
	ch   chan Event
}

// NewBus creates a bus whose subscriber channels hold bufSize events.
func NewBus(bufSize int) *Bus {
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a named subscriber and returns its channel. The
// channel is closed by Close.
func (b *Bus) Subscribe(name string) <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.outputs = append(b.outputs, subscriber{name: name, ch: ch})
	}
	b.mu.Unlock()
	return ch
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.outputs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			if b.OnDrop != nil {
				b.OnDrop(s.name, e)
			} else {
				log.Printf("[bus] subscriber %s full, dropping %s", s.name, e.Topic())
			}
		}
	}
}

// Run publishes everything read from input until ctx is cancelled or input
// is closed, then closes the bus.
func (b *Bus) Run(ctx context.Context, input <-chan Event) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-input:
			if !ok {
				return
			}
			b.Publish(e)
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.outputs {
		close(s.ch)
	}
}

// Stats returns the number of published and dropped deliveries.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// ChannelStat is the saturation of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the saturation of each subscriber channel.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.outputs))
	for i, s := range b.outputs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}

// Consume calls fn for every event on ch until ch is closed or ctx is
// cancelled.
func Consume(ctx context.Context, ch <-chan Event, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fn(e)
		}
	}
}

// Multi publishes to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topics returns the topics of the recorded events in order.
func (r *Recorder) Topics() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Topic()
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
