// Package pipeline runs ticks through the aggregator, the indicator
// scheduler and the strategy engine.
//
// Symbols are partitioned over a fixed number of shards by FNV hash. Each
// shard is one goroutine, so ticks of a symbol are processed in arrival
// order and a tick is fully evaluated before the next tick of its shard is
// looked at.
package pipeline

import (
	"context"
	"hash/fnv"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/indicator"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/window"
	"signal-pipelinev1/pkg/errors"
)

// Engine evaluates strategies on a tick.
type Engine interface {
	OnTick(symbol string, price float64, values map[string]float64, now float64, updated bool)
}

// Gate is consulted before every batch. It blocks while the session is
// paused and returns an error once the session should stop.
type Gate func(ctx context.Context) error

// Config configures sharding. Lossless blocks the dispatcher on a full
// shard instead of dropping; backtests run lossless, live feeds do not.
type Config struct {
	Shards    int
	QueueSize int // batches per shard
	Lossless  bool
	SessionID string
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Shards: 4, QueueSize: 1024}
}

// Pipeline wires one session's components together.
type Pipeline struct {
	cfg    Config
	agg    *window.Aggregator
	sched  *indicator.Scheduler
	engine Engine
	pub    events.Publisher
	gate   Gate

	processed atomic.Int64
	rejected  atomic.Uint64
	dropped   atomic.Uint64

	// Optional hooks. OnProgress runs on shard goroutines.
	OnProgress func(n int)
	OnDrop     func(shard, n int)
	OnReject   func(t model.Tick, err error) // after the Rejection is published
	OnQueue    func(shard, length int)
}

// New creates a pipeline. pub may be nil.
func New(agg *window.Aggregator, sched *indicator.Scheduler, engine Engine, pub events.Publisher, cfg Config) *Pipeline {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Pipeline{cfg: cfg, agg: agg, sched: sched, engine: engine, pub: pub}
}

// SetGate installs the pause/stop gate. Call before Run.
func (p *Pipeline) SetGate(g Gate) { p.gate = g }

// Shard returns the shard of symbol.
func (p *Pipeline) Shard(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(p.cfg.Shards))
}

// Stats returns processed, rejected and dropped tick counts.
func (p *Pipeline) Stats() (processed int64, rejected, dropped uint64) {
	return p.processed.Load(), p.rejected.Load(), p.dropped.Load()
}

// Process runs ticks inline on the calling goroutine and returns the
// number accepted by the aggregator. Callers must not process the same
// symbol from two goroutines at once.
func (p *Pipeline) Process(ticks []model.Tick) int {
	accepted := 0
	for i := range ticks {
		if p.processTick(ticks[i]) {
			accepted++
		}
	}
	p.processed.Add(int64(len(ticks)))
	return accepted
}

func (p *Pipeline) processTick(t model.Tick) bool {
	if err := p.agg.Ingest(t); err != nil {
		p.rejected.Add(1)
		if p.pub != nil {
			r := events.NewRejection("pipeline", err, t.TS)
			r.SessionID = p.cfg.SessionID
			r.Symbol = t.Symbol
			p.pub.Publish(r)
		} else if !errors.HasCode(err, errors.ErrCodeOutOfOrder) {
			log.Printf("[pipeline] tick rejected: %v", err)
		}
		if p.OnReject != nil {
			p.OnReject(t, err)
		}
		return false
	}

	updates := p.sched.OnTick(t.Symbol, t.TS)
	if p.pub != nil {
		for _, u := range updates {
			ev := events.IndicatorUpdated{
				SessionID:     p.cfg.SessionID,
				Symbol:        u.Symbol,
				VariantID:     u.VariantID,
				IndicatorType: string(u.BaseType),
				Timestamp:     u.TS,
			}
			if v, err := u.Value.Take(); err == nil {
				ev.Value = &v
			}
			p.pub.Publish(ev)
		}
	}

	if p.engine != nil {
		values := p.sched.Cache().Snapshot(t.Symbol)
		p.engine.OnTick(t.Symbol, t.Price, values, t.TS, len(updates) > 0)
	}
	return true
}

// Run consumes source until it is exhausted, ctx is cancelled or the gate
// reports stop. All queued ticks are processed before Run returns on
// exhaustion.
func (p *Pipeline) Run(ctx context.Context, source model.TickSource) error {
	g, gctx := errgroup.WithContext(ctx)
	in := make(chan []model.Tick, p.cfg.QueueSize)
	shards := make([]chan []model.Tick, p.cfg.Shards)
	for i := range shards {
		shards[i] = make(chan []model.Tick, p.cfg.QueueSize)
	}

	g.Go(func() error {
		defer close(in)
		return source.Run(gctx, in)
	})

	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		for batch := range in {
			if err := p.dispatch(gctx, shards, batch); err != nil {
				return err
			}
		}
		return nil
	})

	for i, ch := range shards {
		g.Go(func() error { return p.work(gctx, i, ch) })
	}

	err := g.Wait()
	processed, rejected, dropped := p.Stats()
	log.Printf("[pipeline] finished: processed=%d rejected=%d dropped=%d", processed, rejected, dropped)
	return err
}

// dispatch splits batch by shard, keeping per-symbol order.
func (p *Pipeline) dispatch(ctx context.Context, shards []chan []model.Tick, batch []model.Tick) error {
	parts := make([][]model.Tick, len(shards))
	for _, t := range batch {
		i := p.Shard(t.Symbol)
		parts[i] = append(parts[i], t)
	}
	for i, part := range parts {
		if len(part) == 0 {
			continue
		}
		if p.cfg.Lossless {
			select {
			case shards[i] <- part:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case shards[i] <- part:
		default:
			p.dropped.Add(uint64(len(part)))
			if p.OnDrop != nil {
				p.OnDrop(i, len(part))
			} else {
				log.Printf("[pipeline] shard %d full, dropping %d ticks", i, len(part))
			}
		}
	}
	return nil
}

func (p *Pipeline) work(ctx context.Context, shard int, ch <-chan []model.Tick) error {
	for batch := range ch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.gate != nil {
			if err := p.gate(ctx); err != nil {
				return err
			}
		}
		p.Process(batch)
		if p.OnQueue != nil {
			p.OnQueue(shard, len(ch))
		}
		if p.OnProgress != nil {
			p.OnProgress(len(batch))
		}
	}
	return nil
}
