package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"gopkg.in/yaml.v3"

	"signal-pipelinev1/internal/condition"
	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/execution"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/portfolio"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/mocks"
	"signal-pipelinev1/pkg/errors"
)

// orderBook records intents and can refuse them.
type orderBook struct {
	mu      sync.Mutex
	intents []model.OrderIntent
	refuse  error
}

func (b *orderBook) TrySubmit(in model.OrderIntent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse != nil {
		return b.refuse
	}
	b.intents = append(b.intents, in)
	return nil
}

func (b *orderBook) last() model.OrderIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intents[len(b.intents)-1]
}

func (b *orderBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.intents)
}

func group(sec condition.Section, logic condition.Logic, conds ...condition.Condition) condition.Group {
	return condition.Group{Section: sec, Logic: logic, Conditions: conds}
}

func pumpDefinition(id string) Definition {
	return Definition{
		ID:           id,
		Enabled:      true,
		Side:         model.SideBuy,
		Budget:       decimal.NewFromInt(1000),
		EntryTimeout: 60,
		CancelMinAge: 5,
		Cooldown:     30,
		Sections: map[condition.Section]condition.Group{
			condition.S1:  group(condition.S1, condition.AND, condition.MustCondition("PumpFast", ">", 0.5)),
			condition.O1:  group(condition.O1, condition.AND, condition.MustCondition("pumpfast", "<", 0)),
			condition.Z1:  group(condition.Z1, condition.AND, condition.MustCondition("surge", ">", 3)),
			condition.ZE1: group(condition.ZE1, condition.OR, condition.MustCondition(KeyPnLPct, ">=", 10)),
			condition.E1:  group(condition.E1, condition.OR, condition.MustCondition(KeyPnLPct, "<=", -5)),
		},
	}
}

type EngineTestSuite struct {
	suite.Suite
	ledger *portfolio.Ledger
	pnl    *portfolio.PnLTracker
	orders *orderBook
	rec    *events.Recorder
	engine *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.ledger = portfolio.NewLedger(decimal.NewFromInt(1500))
	s.pnl = portfolio.NewPnLTracker()
	s.orders = &orderBook{}
	s.rec = &events.Recorder{}
	s.engine = NewEngine(s.ledger, s.orders, s.rec, s.pnl)
	s.Require().NoError(s.engine.Activate(pumpDefinition("pump"), []string{"BTC"}, 0))
}

func (s *EngineTestSuite) state(symbol string) State {
	in, ok := s.engine.Instance("pump", symbol)
	s.Require().True(ok)
	return in.State
}

func (s *EngineTestSuite) tick(symbol string, price, now float64, values map[string]float64) {
	s.engine.OnTick(symbol, price, values, now, true)
}

func (s *EngineTestSuite) fill(intent model.OrderIntent, price float64, status model.FillStatus, ts float64) {
	s.engine.OnFill(model.Fill{ClientID: intent.ClientID, OrderID: "X-" + intent.ClientID, Price: price, Qty: intent.Size, Status: status, TS: ts})
}

func (s *EngineTestSuite) enter(symbol string, at, price float64) model.OrderIntent {
	s.tick(symbol, price, at, map[string]float64{"pumpfast": 0.9})
	s.Require().Equal(SignalDetected, s.state(symbol))
	s.tick(symbol, price, at+1, map[string]float64{"pumpfast": 0.9, "surge": 4})
	s.Require().Equal(PositionActive, s.state(symbol))
	return s.orders.last()
}

func (s *EngineTestSuite) TestFullCycleThroughPlannedExit() {
	entry := s.enter("BTC", 10, 100)
	s.Equal(model.PurposeEntry, entry.Purpose)
	s.InDelta(10.0, entry.Size, 1e-9)
	s.True(s.ledger.Allocated().Equal(decimal.NewFromInt(1000)))

	// pending entry: no exits evaluated
	s.tick("BTC", 80, 12, nil)
	s.Equal(PositionActive, s.state("BTC"))
	s.Equal(1, s.orders.count())

	s.fill(entry, 100, model.FillFilled, 12)
	s.tick("BTC", 111, 20, map[string]float64{})
	s.Equal(CloseEvaluation, s.state("BTC"))
	exit := s.orders.last()
	s.Equal(model.PurposeExit, exit.Purpose)
	s.Equal(model.SideSell, exit.Side)

	s.fill(exit, 111, model.FillFilled, 21)
	s.Equal(Monitoring, s.state("BTC"))
	s.True(s.ledger.Allocated().IsZero())

	sum := s.pnl.Summary("pump")
	s.Equal(1, sum.Trades)
	s.True(sum.RealizedPnL.Equal(decimal.NewFromInt(110)), sum.RealizedPnL.String())

	var path []string
	for _, e := range s.rec.Events() {
		if t, ok := e.(events.Transition); ok {
			path = append(path, t.To)
		}
	}
	s.Equal([]string{"SIGNAL_DETECTED", "POSITION_ACTIVE", "CLOSE_EVALUATION", "EXITED", "MONITORING"}, path)
	s.Contains(s.rec.Topics(), "signal.s1")
	s.Contains(s.rec.Topics(), "signal.z1")
	s.Contains(s.rec.Topics(), "signal.ze1")
}

func (s *EngineTestSuite) TestEntryTimeoutReturnsToMonitoring() {
	s.tick("BTC", 100, 0, map[string]float64{"pumpfast": 0.9})
	s.Equal(SignalDetected, s.state("BTC"))

	s.tick("BTC", 100, 30, map[string]float64{"surge": 1})
	s.Equal(SignalDetected, s.state("BTC"))

	// deadlines fire without indicator updates
	s.engine.OnTick("BTC", 100, nil, 60, false)
	s.Equal(Monitoring, s.state("BTC"))
	s.Zero(s.orders.count())
	s.True(s.ledger.Allocated().IsZero())
}

func (s *EngineTestSuite) TestEmergencyExitTakesPriorityOverPlannedExit() {
	def := pumpDefinition("guard")
	def.Sections[condition.ZE1] = group(condition.ZE1, condition.OR, condition.MustCondition(KeyPrice, ">", 0))
	s.Require().NoError(s.engine.Activate(def, []string{"ETH"}, 0))

	s.engine.OnTick("ETH", 100, map[string]float64{"pumpfast": 0.9}, 1, true)
	s.engine.OnTick("ETH", 100, map[string]float64{"pumpfast": 0.9, "surge": 4}, 2, true)
	entry := s.orders.last()
	s.fill(entry, 100, model.FillFilled, 2)

	s.engine.OnTick("ETH", 94, map[string]float64{}, 3, true)
	in, _ := s.engine.Instance("guard", "ETH")
	s.Equal(EmergencyExit, in.State)
	s.Equal("E1 passed", s.orders.last().Reason)

	s.fill(s.orders.last(), 94, model.FillFilled, 4)
	s.True(s.ledger.Allocated().IsZero())
	in, _ = s.engine.Instance("guard", "ETH")
	s.Equal(EmergencyExit, in.State)

	// cooldown
	s.engine.OnTick("ETH", 95, nil, 20, false)
	in, _ = s.engine.Instance("guard", "ETH")
	s.Equal(EmergencyExit, in.State)
	s.engine.OnTick("ETH", 95, nil, 34, false)
	in, _ = s.engine.Instance("guard", "ETH")
	s.Equal(Monitoring, in.State)
}

func (s *EngineTestSuite) TestSecondEntryOverCapIsRejected() {
	s.Require().NoError(s.engine.Activate(pumpDefinition("pump"), []string{"ETH"}, 0))
	s.enter("BTC", 1, 100)

	s.tick("ETH", 50, 1, map[string]float64{"pumpfast": 0.9})
	s.tick("ETH", 50, 2, map[string]float64{"pumpfast": 0.9, "surge": 4})
	s.Equal(SignalDetected, s.state("ETH"))
	s.True(s.ledger.Allocated().Equal(decimal.NewFromInt(1000)))
	s.Contains(s.rec.Topics(), events.TopicSignalRejected)
}

func (s *EngineTestSuite) TestEntryRejectionReleasesBudget() {
	entry := s.enter("BTC", 1, 100)
	s.fill(entry, 0, model.FillRejected, 2)

	s.Equal(SignalDetected, s.state("BTC"))
	s.True(s.ledger.Allocated().IsZero())
	s.Contains(s.rec.Topics(), "error.external_failure")
}

func (s *EngineTestSuite) TestQueueFullRevertsEntry() {
	s.orders.refuse = errors.New(errors.ErrCodeQueueFull, "full")
	s.tick("BTC", 100, 1, map[string]float64{"pumpfast": 0.9})
	s.tick("BTC", 100, 2, map[string]float64{"pumpfast": 0.9, "surge": 4})

	s.Equal(SignalDetected, s.state("BTC"))
	s.True(s.ledger.Allocated().IsZero())
	in, _ := s.engine.Instance("pump", "BTC")
	s.Nil(in.Position)
}

func (s *EngineTestSuite) TestRejectedPlannedExitReturnsToPositionActive() {
	entry := s.enter("BTC", 1, 100)
	s.fill(entry, 100, model.FillFilled, 2)
	s.tick("BTC", 112, 3, map[string]float64{})
	s.Require().Equal(CloseEvaluation, s.state("BTC"))

	s.fill(s.orders.last(), 0, model.FillRejected, 4)
	s.Equal(PositionActive, s.state("BTC"))
	s.True(s.ledger.Allocated().Equal(decimal.NewFromInt(1000)))
}

func (s *EngineTestSuite) TestCancelIsAgeGated() {
	s.tick("BTC", 100, 0, map[string]float64{"pumpfast": 0.9})
	s.tick("BTC", 100, 2, map[string]float64{"pumpfast": -1})
	s.Equal(SignalDetected, s.state("BTC"))

	s.tick("BTC", 100, 6, map[string]float64{"pumpfast": -1})
	s.Equal(SignalCancelled, s.state("BTC"))
	s.Contains(s.rec.Topics(), "signal.o1")

	s.engine.OnTick("BTC", 100, nil, 20, false)
	s.Equal(SignalCancelled, s.state("BTC"))
	s.engine.OnTick("BTC", 100, nil, 36, false)
	s.Equal(Monitoring, s.state("BTC"))
}

func (s *EngineTestSuite) TestSignalPriority() {
	both := map[string]float64{"pumpfast": -1, "surge": 4}

	s.tick("BTC", 100, 0, map[string]float64{"pumpfast": 0.9})
	s.tick("BTC", 100, 10, both)
	s.Equal(SignalCancelled, s.state("BTC"))

	def := pumpDefinition("eager")
	def.SignalPriority = EntryFirst
	s.Require().NoError(s.engine.Activate(def, []string{"SOL"}, 0))
	s.engine.OnTick("SOL", 10, map[string]float64{"pumpfast": 0.9}, 0, true)
	s.engine.OnTick("SOL", 10, both, 10, true)
	in, _ := s.engine.Instance("eager", "SOL")
	s.Equal(PositionActive, in.State)
}

func (s *EngineTestSuite) TestIllegalTransitionIsRefused() {
	in := NewInstance("pump", "BTC", 0)
	var out Outcome
	s.False(in.transition(Exited, "test", 1, &out))
	s.Equal(Monitoring, in.State)
	s.Require().Len(out.Rejections, 1)
	s.Equal(errors.ErrCodeConcurrencyViolation, out.Rejections[0].Code)
	s.Empty(out.Transitions)
}

func (s *EngineTestSuite) TestDisabledStrategyIsNotLoaded() {
	def := pumpDefinition("off")
	def.Enabled = false
	s.True(errors.HasCode(s.engine.Activate(def, []string{"BTC"}, 0), errors.ErrCodeConfig))

	def = pumpDefinition("gone")
	def.Deleted = true
	s.True(errors.HasCode(s.engine.Activate(def, []string{"BTC"}, 0), errors.ErrCodeConfig))
	s.Len(s.engine.Instances(), 1)
}

func (s *EngineTestSuite) TestHaltFlattenAbandon() {
	entry := s.enter("BTC", 1, 100)
	s.fill(entry, 100, model.FillFilled, 2)

	s.engine.Halt()
	s.tick("BTC", 50, 3, map[string]float64{})
	s.Equal(PositionActive, s.state("BTC"))

	s.Equal(1, s.engine.Flatten(4, "session stop"))
	s.Equal(CloseEvaluation, s.state("BTC"))

	s.Equal(1, s.engine.Abandon(5, "drain timeout"))
	s.True(s.ledger.Allocated().IsZero())
	s.Empty(s.engine.Open())
}

func (s *EngineTestSuite) TestEmergencyEscalatesDuringPlannedExit() {
	entry := s.enter("BTC", 10, 100)
	s.fill(entry, 100, model.FillFilled, 12)
	s.tick("BTC", 111, 20, map[string]float64{})
	s.Require().Equal(CloseEvaluation, s.state("BTC"))
	planned := s.orders.last()

	// E1 without an indicator update, while the planned exit is unfilled
	s.engine.OnTick("BTC", 94, nil, 21, false)
	s.Equal(EmergencyExit, s.state("BTC"))
	s.Equal(2, s.orders.count())
	in, _ := s.engine.Instance("pump", "BTC")
	s.Equal(planned.ClientID, in.ExitID)
	s.Contains(s.rec.Topics(), "signal.e1")

	var last events.Transition
	for _, e := range s.rec.Events() {
		if t, ok := e.(events.Transition); ok {
			last = t
		}
	}
	s.Equal("CLOSE_EVALUATION", last.From)
	s.Equal("EMERGENCY_EXIT", last.To)

	s.fill(planned, 94, model.FillFilled, 22)
	s.Equal(EmergencyExit, s.state("BTC"))
	s.True(s.ledger.Allocated().IsZero())
	sum := s.pnl.Summary("pump")
	s.Equal(1, sum.Trades)
	s.True(sum.RealizedPnL.Equal(decimal.NewFromInt(-60)), sum.RealizedPnL.String())
}

func (s *EngineTestSuite) TestAbandonRecordsTransitions() {
	s.Require().NoError(s.engine.Activate(pumpDefinition("pump"), []string{"ETH", "SOL"}, 0))
	entry := s.enter("BTC", 1, 100)
	s.fill(entry, 100, model.FillFilled, 2)
	s.Require().Equal(1, s.engine.Flatten(3, "session stopped"))
	s.tick("ETH", 50, 3, map[string]float64{"pumpfast": 0.9})
	s.Require().Equal(SignalDetected, s.state("ETH"))
	s.rec.Reset()

	s.Equal(1, s.engine.Abandon(5, "session stopped"))

	got := map[string]events.Transition{}
	for _, e := range s.rec.Events() {
		if t, ok := e.(events.Transition); ok {
			got[t.Symbol] = t
		}
	}
	s.Len(got, 2)
	s.Equal(events.Transition{StrategyID: "pump", Symbol: "BTC", From: "CLOSE_EVALUATION", To: "MONITORING", Reason: "session stopped", Timestamp: 5}, got["BTC"])
	s.Equal(events.Transition{StrategyID: "pump", Symbol: "ETH", From: "SIGNAL_DETECTED", To: "MONITORING", Reason: "session stopped", Timestamp: 5}, got["ETH"])
	s.Equal(Monitoring, s.state("BTC"))
	s.Equal(Monitoring, s.state("SOL"))
	s.Contains(s.rec.Topics(), "error.external_failure")
}

func (s *EngineTestSuite) TestTransitionsArePublishedInOrder() {
	def := pumpDefinition("cycler")
	def.EntryTimeout = 1
	s.Require().NoError(s.engine.Activate(def, []string{"DOGE"}, 0))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				now := float64(i*2 + g%2)
				s.engine.OnTick("DOGE", 100, map[string]float64{"pumpfast": 0.9}, now, true)
			}
		}(g)
	}
	wg.Wait()

	from := string(Monitoring)
	n := 0
	for _, e := range s.rec.Events() {
		t, ok := e.(events.Transition)
		if !ok || t.StrategyID != "cycler" {
			continue
		}
		s.Require().Equal(from, t.From, "transition %d", n)
		from = t.To
		n++
	}
	s.Greater(n, 1)
	s.Zero(s.orders.count())
}

func (s *EngineTestSuite) TestConcurrentTicksDoNotInterleave() {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.engine.OnTick("BTC", 100, map[string]float64{"pumpfast": 0.9, "surge": 4}, 1, true)
		}()
	}
	wg.Wait()

	detected := 0
	for _, e := range s.rec.Events() {
		if t, ok := e.(events.Transition); ok && t.To == string(SignalDetected) {
			detected++
		}
	}
	s.Equal(1, detected)
	s.Equal(1, s.orders.count())
	s.True(s.ledger.Allocated().Equal(decimal.NewFromInt(1000)))
}

func TestEngine_WithDispatcherAndMockGateway(t *testing.T) {
	mc := gomock.NewController(t)
	gw := mocks.NewMockGateway(mc)
	fills := make(chan model.Fill, 4)
	gw.EXPECT().Fills().Return((<-chan model.Fill)(fills)).AnyTimes()
	gw.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, in model.OrderIntent) (model.OrderHandle, error) {
			fills <- model.Fill{ClientID: in.ClientID, OrderID: "GW-1", Price: in.Price, Qty: in.Size, Status: model.FillFilled, TS: in.TS}
			return model.OrderHandle{ClientID: in.ClientID, OrderID: "GW-1"}, nil
		}).Times(1)

	ledger := portfolio.NewLedger(decimal.NewFromInt(5000))
	d := execution.NewDispatcher(gw, execution.DispatcherConfig{QueueSize: 4, Workers: 1})
	eng := NewEngine(ledger, d, nil, nil)
	d.SetCallbacks(execution.Callbacks{
		OnFill:  func(_ model.OrderIntent, f model.Fill) { eng.OnFill(f) },
		OnError: eng.OnOrderError,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	if err := eng.Activate(pumpDefinition("pump"), []string{"BTC"}, 0); err != nil {
		t.Fatal(err)
	}
	eng.OnTick("BTC", 100, map[string]float64{"pumpfast": 0.9}, 1, true)
	eng.OnTick("BTC", 100, map[string]float64{"pumpfast": 0.9, "surge": 4}, 2, true)

	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	defer dcancel()
	if err := d.Drain(dctx); err != nil {
		t.Fatal(err)
	}
	in, _ := eng.Instance("pump", "BTC")
	if in.Position == nil || in.Position.Pending {
		t.Fatalf("expected filled position, got %+v", in.Position)
	}
}

func TestDefinition_YAMLAndResolve(t *testing.T) {
	src := `
id: pump
budget: "1000.50"
signal_priority: ENTRY_FIRST
symbols: [btc]
sections:
  s1:
    logic: and
    conditions:
      - {indicator: PumpFast, operator: ">", value: 0.5}
  z1:
    conditions:
      - {indicator: volume_surge, operator: ">", value: 3}
  e1:
    logic: or
    conditions:
      - {indicator: pnl_pct, operator: "<=", value: -5}
`
	var def Definition
	if err := yaml.Unmarshal([]byte(src), &def); err != nil {
		t.Fatal(err)
	}
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		t.Fatal(err)
	}
	if !def.Enabled || def.SignalPriority != EntryFirst || def.Symbols[0] != "BTC" {
		t.Errorf("unexpected definition %+v", def)
	}
	if def.EntryTimeout != DefaultEntryTimeout || def.EmergencyCooldown != DefaultCooldown {
		t.Errorf("defaults not applied: %+v", def)
	}
	if got := def.IndicatorKeys(); len(got) != 2 || got[0] != "pumpfast" || got[1] != "volume_surge" {
		t.Errorf("unexpected keys %v", got)
	}

	reg := variant.NewRegistry()
	if _, err := reg.Register(variant.Variant{ID: "PumpFast", BaseType: variant.PriceVelocity, Params: variant.Params{T1: 60, T2: 5}}); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveKeys(&def, reg); !errors.HasCode(err, errors.ErrCodeConfig) {
		t.Fatalf("expected config error for unresolved volume_surge, got %v", err)
	}
	if _, err := reg.Register(variant.Variant{ID: "surge60", BaseType: variant.VolumeSurge, Params: variant.Params{T1: 60, T2: 600}}); err != nil {
		t.Fatal(err)
	}
	vs, err := ResolveKeys(&def, reg)
	if err != nil || len(vs) != 2 {
		t.Fatalf("expected 2 variants, got %v (%v)", vs, err)
	}
}

func TestDefinition_ValidateRequiresSections(t *testing.T) {
	def := pumpDefinition("x").WithDefaults()
	delete(def.Sections, condition.Z1)
	if !errors.HasCode(def.Validate(), errors.ErrCodeConfig) {
		t.Error("missing Z1 should be a config error")
	}

	def = pumpDefinition("x").WithDefaults()
	def.Sections[condition.E1] = group(condition.E1, condition.AND, condition.MustCondition(KeyPnLPct, "<=", -5))
	if !errors.HasCode(def.Validate(), errors.ErrCodeConfig) {
		t.Error("AND logic in E1 should be a config error")
	}
}
