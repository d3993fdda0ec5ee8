package service

import (
	"context"
	"log"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"signal-pipelinev1/internal/indicator"
	"signal-pipelinev1/internal/logger"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/pipeline"
	"signal-pipelinev1/internal/session"
	"signal-pipelinev1/internal/strategy"
	"signal-pipelinev1/internal/window"
	"signal-pipelinev1/pkg/errors"
)

var errSessionStopped = errors.New(errors.ErrCodeConcurrencyViolation, "session stopped")

// runtime is the per-session context: tick buffers, indicator cache and
// strategy instances. Nothing in it is shared with other sessions.
type runtime struct {
	id   string
	mode session.Mode
	svc  *Service

	agg    *window.Aggregator
	sched  *indicator.Scheduler
	engine *strategy.Engine

	lastTS atomic.Uint64 // float64 bits of the newest evaluated tick

	mu     sync.Mutex
	begun  bool
	cancel context.CancelFunc

	finishOnce sync.Once
	done       chan struct{}
}

func newRuntime(id string, mode session.Mode, svc *Service) *runtime {
	agg := window.NewAggregator(window.DefaultMaxSamples)
	sched := indicator.NewScheduler(agg, indicator.NewCache())
	rt := &runtime{
		id:    id,
		mode:  mode,
		svc:   svc,
		agg:   agg,
		sched: sched,
		done:  make(chan struct{}),
	}
	rt.engine = strategy.NewEngine(svc.ledger, orderSink{svc: svc, rt: rt}, svc.bus, svc.pnl)

	if m := svc.prom; m != nil {
		agg.OnRejected = func(string) { m.TicksRejected.WithLabelValues("out_of_order").Inc() }
		agg.OnOverflow = func(string) { m.TicksRejected.WithLabelValues("overflow").Inc() }
		sched.OnCompute = func(d time.Duration) {
			m.IndicatorComputes.Inc()
			m.IndicatorComputeDur.Observe(d.Seconds())
		}
	}
	return rt
}

// OnTick records the tick time and evaluates the strategy instances.
func (rt *runtime) OnTick(symbol string, price float64, values map[string]float64, now float64, updated bool) {
	for {
		old := rt.lastTS.Load()
		if math.Float64frombits(old) >= now || rt.lastTS.CompareAndSwap(old, math.Float64bits(now)) {
			break
		}
	}
	rt.engine.OnTick(symbol, price, values, now, updated)
}

// clock is the session's notion of now: the newest tick time, or the wall
// clock before the first tick.
func (rt *runtime) clock() float64 {
	if ts := math.Float64frombits(rt.lastTS.Load()); ts > 0 {
		return ts
	}
	return model.Seconds(time.Now())
}

// begin marks the runtime as running. It fails when a run already began.
func (rt *runtime) begin(cancel context.CancelFunc) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.begun {
		return false
	}
	rt.begun = true
	rt.cancel = cancel
	return true
}

// stop cancels the run, if one began, and reports whether it did.
func (rt *runtime) stop() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.begun {
		return false
	}
	rt.cancel()
	return true
}

// Run feeds source through the session until the source is exhausted or
// the session is stopped. The session must be STARTING; Run moves it to
// RUNNING and, when it returns, to STOPPED. Progress is counted per batch
// in every mode.
func (s *Service) Run(ctx context.Context, sessionID string, source model.TickSource) error {
	rt, err := s.runtime(sessionID)
	if err != nil {
		return err
	}
	ctx = logger.WithSession(ctx, sessionID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !rt.begin(cancel) {
		return errors.Newf(errors.ErrCodeConcurrencyViolation, "Run: session %s already ran", sessionID)
	}

	sess, _ := s.controller.Get(sessionID)
	switch sess.Status {
	case session.Starting:
	case session.Stopping, session.Stopped:
		s.finish(rt)
		return nil
	default:
		return errors.Newf(errors.ErrCodeConcurrencyViolation, "Run: session %s is %s", sessionID, sess.Status)
	}

	s.controller.AddProgress(sessionID, 0, source.Total())
	if err := s.controller.MarkRunning(sessionID); err != nil {
		// stopped between Start and Run
		s.finish(rt)
		return nil
	}
	slog.Info("session running", append(logger.Attrs(ctx), slog.String("mode", string(rt.mode)), slog.Int64("rows_total", source.Total()))...)

	p := pipeline.New(rt.agg, rt.sched, rt, s.bus, pipeline.Config{
		Shards:    s.cfg.Shards,
		QueueSize: pipeline.DefaultConfig().QueueSize,
		Lossless:  rt.mode == session.ModeBacktest,
		SessionID: sessionID,
	})
	p.SetGate(func(ctx context.Context) error {
		status, err := s.controller.Wait(ctx, sessionID)
		if err != nil {
			return err
		}
		if status != session.Running {
			return errSessionStopped
		}
		return nil
	})
	p.OnProgress = func(n int) {
		s.controller.AddProgress(sessionID, int64(n), 0)
		if s.prom != nil {
			s.prom.TicksTotal.Add(float64(n))
		}
	}
	if m := s.prom; m != nil {
		p.OnDrop = func(_, n int) { m.TicksRejected.WithLabelValues("shard_full").Add(float64(n)) }
		p.OnQueue = m.ObserveShard
	}

	runErr := p.Run(runCtx, source)

	processed, rejected, dropped := p.Stats()
	computes, skips := rt.sched.Stats()
	slog.Info("session run ended", append(logger.Attrs(ctx),
		slog.Int64("processed", processed), slog.Uint64("rejected", rejected), slog.Uint64("dropped", dropped),
		slog.Uint64("computes", computes), slog.Uint64("skips", skips))...)
	if s.prom != nil {
		s.prom.IndicatorSkips.Add(float64(skips))
	}

	if err := s.controller.Stop(sessionID); err != nil {
		log.Printf("[service] session %s: %v", sessionID, err)
	}
	rt.engine.Halt()
	s.finish(rt)

	if runErr == nil || errors.Is(runErr, errSessionStopped) || (errors.Is(runErr, context.Canceled) && ctx.Err() == nil) {
		return nil
	}
	return runErr
}

// finish settles the session once: optionally flattens open positions,
// waits for orders in flight, releases whatever is still reserved and
// marks the session STOPPED.
func (s *Service) finish(rt *runtime) {
	rt.finishOnce.Do(func() {
		defer close(rt.done)
		now := rt.clock()
		if s.cfg.FlattenOnStop {
			if n := rt.engine.Flatten(now, "session stopped"); n > 0 {
				log.Printf("[service] session %s: flattening %d positions", rt.id, n)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.SettleTimeout*float64(time.Second)))
		if !s.settle(ctx, rt) {
			log.Printf("[service] session %s: %d orders unsettled after %.0fs", rt.id, s.outstanding(rt), s.cfg.SettleTimeout)
		}
		cancel()

		if n := rt.engine.Abandon(rt.clock(), "session stopped"); n > 0 {
			log.Printf("[service] session %s: released %d unsettled positions", rt.id, n)
		}
		s.dropOrders(rt)
		if err := s.controller.MarkStopped(rt.id); err != nil {
			log.Printf("[service] session %s: %v", rt.id, err)
		}
	})
}

// Done returns a channel closed once the session has fully stopped.
func (s *Service) Done(sessionID string) (<-chan struct{}, error) {
	rt, err := s.runtime(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.done, nil
}
