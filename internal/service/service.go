// Package service owns one process worth of pipeline components and exposes
// the control operations: strategy activation, indicator registration and
// the session lifecycle.
//
// Every session gets its own runtime (aggregator, indicator cache, scheduler
// and strategy engine). The budget ledger, the session controller and the
// order dispatcher are shared by all sessions.
package service

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/execution"
	"signal-pipelinev1/internal/metrics"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/portfolio"
	"signal-pipelinev1/internal/session"
	"signal-pipelinev1/internal/strategy"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

// TradeJournal records settled orders.
type TradeJournal interface {
	RecordFill(sessionID string, intent model.OrderIntent, fill model.Fill) error
}

// Config wires a Service. Gateway and GlobalBudgetCap are required; the
// rest is optional.
type Config struct {
	GlobalBudgetCap decimal.Decimal
	Gateway         model.Gateway
	Store           model.SessionStore
	Journal         TradeJournal
	Metrics         *metrics.Metrics
	Registry        *variant.RegistryV1

	Strategies []strategy.Definition
	Dispatcher execution.DispatcherConfig
	Shards     int
	BusBuffer  int

	// SettleTimeout bounds how long a stopping session waits for in-flight
	// orders before abandoning them. Default 10s.
	SettleTimeout float64
	// FlattenOnStop closes open positions when a session ends.
	FlattenOnStop bool
}

// Service is the composition root of the pipeline.
type Service struct {
	cfg        Config
	registry   *variant.RegistryV1
	controller *session.Controller
	ledger     *portfolio.Ledger
	pnl        *portfolio.PnLTracker
	dispatcher *execution.Dispatcher
	bus        *events.Bus
	prom       *metrics.Metrics

	mu         sync.RWMutex
	strategies map[string]strategy.Definition
	runtimes   map[string]*runtime

	ordersMu sync.Mutex
	orders   map[string]*runtime // client ID → session that placed it
}

// New creates a service. Strategy definitions are validated here; an
// invalid one fails the whole configuration.
func New(cfg Config) (*Service, error) {
	if cfg.Gateway == nil {
		return nil, errors.New(errors.ErrCodeConfig, "service: gateway is required")
	}
	if !cfg.GlobalBudgetCap.IsPositive() {
		return nil, errors.Newf(errors.ErrCodeConfig, "service: global budget cap must be positive, got %s", cfg.GlobalBudgetCap)
	}
	if cfg.Registry == nil {
		cfg.Registry = variant.NewRegistry()
	}
	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher = execution.DefaultDispatcherConfig()
	}
	if cfg.BusBuffer <= 0 {
		cfg.BusBuffer = 4096
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10
	}

	svc := &Service{
		cfg:        cfg,
		registry:   cfg.Registry,
		controller: session.NewController(cfg.Store),
		ledger:     portfolio.NewLedger(cfg.GlobalBudgetCap),
		pnl:        portfolio.NewPnLTracker(),
		dispatcher: execution.NewDispatcher(cfg.Gateway, cfg.Dispatcher),
		bus:        events.NewBus(cfg.BusBuffer),
		prom:       cfg.Metrics,
		strategies: make(map[string]strategy.Definition, len(cfg.Strategies)),
		runtimes:   make(map[string]*runtime),
		orders:     make(map[string]*runtime),
	}

	for _, def := range cfg.Strategies {
		if err := svc.PutStrategy(def); err != nil {
			return nil, err
		}
	}

	svc.controller.OnChange = svc.sessionChanged
	svc.dispatcher.SetCallbacks(execution.Callbacks{
		OnAccepted: svc.orderAccepted,
		OnError:    svc.orderFailed,
		OnFill:     svc.orderFilled,
	})
	svc.wireMetrics()
	return svc, nil
}

func (s *Service) wireMetrics() {
	m := s.prom
	if m == nil {
		return
	}
	m.BudgetCap.Set(s.cfg.GlobalBudgetCap.InexactFloat64())
	s.ledger.OnChange = func(allocated, _ decimal.Decimal) {
		m.BudgetAllocated.Set(allocated.InexactFloat64())
	}
	s.bus.OnDrop = func(sub string, e events.Event) {
		m.BusDrops.WithLabelValues(sub).Inc()
	}
	s.dispatcher.OnQueueFull = func(model.OrderIntent) {
		m.ChannelSaturation.WithLabelValues("orders").Set(100)
	}
	s.controller.OnPersistError = func(id string, err error) {
		m.Rejections.WithLabelValues(errors.GetCode(err).Kind()).Inc()
	}
}

// Bus returns the event bus. Sinks subscribe to it before Serve.
func (s *Service) Bus() *events.Bus { return s.bus }

// Ledger returns the shared budget ledger.
func (s *Service) Ledger() *portfolio.Ledger { return s.ledger }

// PnL returns the realized PnL tracker.
func (s *Service) PnL() *portfolio.PnLTracker { return s.pnl }

// Registry returns the variant registry.
func (s *Service) Registry() *variant.RegistryV1 { return s.registry }

// Controller returns the session controller.
func (s *Service) Controller() *session.Controller { return s.controller }

// Serve runs the order dispatcher and the session persistence loop until
// ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error {
		s.controller.RunPersist(gctx)
		return nil
	})
	if s.prom != nil {
		g.Go(func() error {
			s.observeChannels(gctx)
			return nil
		})
	}
	err := g.Wait()
	s.bus.Close()
	return err
}

// PutStrategy adds or replaces a strategy definition in the store used by
// ActivateStrategy. Running instances keep the version they were
// activated with.
func (s *Service) PutStrategy(def strategy.Definition) error {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.strategies[def.ID] = def
	s.mu.Unlock()
	return nil
}

// Strategies returns the stored definitions sorted by ID.
func (s *Service) Strategies() []strategy.Definition {
	s.mu.RLock()
	out := make([]strategy.Definition, 0, len(s.strategies))
	for _, d := range s.strategies {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) strategy(id string) (strategy.Definition, error) {
	s.mu.RLock()
	def, ok := s.strategies[id]
	s.mu.RUnlock()
	if !ok {
		return strategy.Definition{}, errors.Newf(errors.ErrCodeNotFound, "strategy %s not found", id)
	}
	return def, nil
}

func (s *Service) runtime(sessionID string) (*runtime, error) {
	s.mu.RLock()
	rt, ok := s.runtimes[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "session %s not found", sessionID)
	}
	return rt, nil
}

// Start creates the session if needed and moves it to STARTING. A second
// start of a session that is already starting, running or paused returns
// the same id with started false.
func (s *Service) Start(ctx context.Context, sessionID string, mode session.Mode) (string, bool, error) {
	if _, ok := session.ParseMode(string(mode)); !ok {
		return "", false, errors.Newf(errors.ErrCodeInvalidParameter, "Start: unknown mode %q", mode)
	}
	if sessionID != "" {
		if _, _, err := s.controller.Restore(ctx, sessionID); err != nil {
			return "", false, err
		}
	}

	id, started, err := s.controller.Start(sessionID, mode)
	if err != nil {
		return id, false, err
	}

	s.mu.Lock()
	if _, ok := s.runtimes[id]; !ok {
		s.runtimes[id] = newRuntime(id, mode, s)
	}
	s.mu.Unlock()
	return id, started, nil
}

// ActivateStrategy creates instances of a stored strategy for symbols in a
// session. Every indicator the strategy reads is registered for each
// symbol before the instances exist, so the first tick already refreshes
// them. Unknown indicators and invalid, disabled or deleted strategies
// fail with ErrCodeConfig and activate nothing.
func (s *Service) ActivateStrategy(sessionID, strategyID string, symbols []string) error {
	rt, err := s.runtime(sessionID)
	if err != nil {
		return err
	}
	def, err := s.strategy(strategyID)
	if err != nil {
		return err
	}
	if !def.Loadable() {
		return errors.Newf(errors.ErrCodeConfig, "ActivateStrategy: strategy %s is disabled or deleted", def.ID)
	}
	if len(symbols) == 0 {
		symbols = def.Symbols
	}
	if len(symbols) == 0 {
		return errors.Newf(errors.ErrCodeInvalidParameter, "ActivateStrategy: strategy %s has no symbols", def.ID)
	}

	variants, err := strategy.ResolveKeys(&def, s.registry)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		for _, v := range variants {
			rt.sched.Register(sym, v)
		}
	}
	return rt.engine.Activate(def, symbols, rt.clock())
}

// AddIndicatorToSession schedules a registered variant for symbol in a
// session. Adding a pair that is already scheduled is a no-op.
func (s *Service) AddIndicatorToSession(sessionID, symbol, variantID string) error {
	rt, err := s.runtime(sessionID)
	if err != nil {
		return err
	}
	v, err := s.registry.Get(variantID)
	if err != nil {
		return err
	}
	if rt.sched.Register(symbol, v) {
		log.Printf("[service] session %s: %s registered for %s", sessionID, v.ID, symbol)
	}
	return nil
}

// Pause suspends tick processing of a running session.
func (s *Service) Pause(sessionID string) error {
	return s.controller.Pause(sessionID)
}

// Resume continues a paused session.
func (s *Service) Resume(sessionID string) error {
	return s.controller.Resume(sessionID)
}

// Stop halts evaluation of the session immediately and ends its run. Orders
// already in flight are still settled. Stopping a stopped session is a
// no-op.
func (s *Service) Stop(sessionID string) error {
	if err := s.controller.Stop(sessionID); err != nil {
		return err
	}
	rt, err := s.runtime(sessionID)
	if err != nil {
		// restored session without a runtime
		return s.controller.MarkStopped(sessionID)
	}
	rt.engine.Halt()
	if !rt.stop() {
		// never ran; nothing to settle
		s.finish(rt)
	}
	return nil
}

// Progress returns rows processed and total of a session.
func (s *Service) Progress(sessionID string) (session.Progress, error) {
	return s.controller.Progress(sessionID)
}

// Instances returns the strategy instances of a session.
func (s *Service) Instances(sessionID string) ([]strategy.Instance, error) {
	rt, err := s.runtime(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.engine.Instances(), nil
}

// Indicators returns the cached indicator values of symbol in a session.
func (s *Service) Indicators(sessionID, symbol string) (map[string]float64, error) {
	rt, err := s.runtime(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.sched.Cache().Snapshot(symbol), nil
}

func (s *Service) sessionChanged(sess session.Session, from session.Status) {
	s.bus.Publish(events.SessionChanged{
		SessionID: sess.ID,
		Mode:      string(sess.Mode),
		From:      string(from),
		To:        string(sess.Status),
		Timestamp: model.Seconds(sess.UpdatedAt),
	})
	if s.prom != nil {
		p := sess
		pct := 0.0
		if p.RowsTotal > 0 {
			pct = float64(p.RowsProcessed) / float64(p.RowsTotal) * 100
		}
		s.prom.SessionProgress.WithLabelValues(sess.ID).Set(pct)
	}
}
