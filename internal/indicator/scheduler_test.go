package indicator

import (
	"testing"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/internal/window"
)

// countingComputer returns now as the value and counts calls.
type countingComputer struct {
	calls      map[string]int
	maxWindows map[string]float64
	empty      bool
}

func newCountingComputer() *countingComputer {
	return &countingComputer{calls: map[string]int{}, maxWindows: map[string]float64{}}
}

func (c *countingComputer) Compute(symbol string, v variant.Variant, now float64) optional.Option[float64] {
	c.calls[v.Key()]++
	if c.empty {
		return optional.None[float64]()
	}
	return optional.Some(now)
}

func (c *countingComputer) SetMaxWindow(symbol string, seconds float64) {
	if seconds > c.maxWindows[symbol] {
		c.maxWindows[symbol] = seconds
	}
}

type SchedulerTestSuite struct {
	suite.Suite
	computer  *countingComputer
	scheduler *Scheduler
	fast      variant.Variant
	slow      variant.Variant
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) SetupTest() {
	s.computer = newCountingComputer()
	s.scheduler = NewScheduler(s.computer, NewCache())

	reg := variant.NewRegistry()
	var err error
	s.fast, err = reg.Register(variant.Variant{ID: "PumpFast", BaseType: variant.PriceVelocity, Params: variant.Params{T1: 60, T2: 5}, RefreshInterval: 1})
	s.Require().NoError(err)
	s.slow, err = reg.Register(variant.Variant{ID: "Surge", BaseType: variant.VolumeSurge, Params: variant.Params{T1: 10, T2: 300}, RefreshInterval: 10})
	s.Require().NoError(err)
}

func (s *SchedulerTestSuite) TestRefreshIntervalGatesRecompute() {
	s.scheduler.Register("BTC", s.fast)
	s.scheduler.Register("BTC", s.slow)

	s.Len(s.scheduler.OnTick("BTC", 100.0), 2)
	s.Empty(s.scheduler.OnTick("BTC", 100.5))
	s.Len(s.scheduler.OnTick("BTC", 101.0), 1)
	s.Len(s.scheduler.OnTick("BTC", 110.0), 2)

	s.Equal(3, s.computer.calls["pumpfast"])
	s.Equal(2, s.computer.calls["surge"])
	computes, skips := s.scheduler.Stats()
	s.Equal(uint64(5), computes)
	s.Equal(uint64(3), skips)
}

func (s *SchedulerTestSuite) TestSameBucketReadsAreCacheHits() {
	s.scheduler.Register("BTC", s.slow)
	s.scheduler.OnTick("BTC", 100.0)

	bucket := Bucket(103.0, s.slow.RefreshInterval)
	for i := 0; i < 5; i++ {
		v, ok := s.scheduler.Cache().Get("BTC", "surge", bucket)
		s.Require().True(ok)
		s.Equal(100.0, v.Value.Unwrap())
	}
	s.Equal(1, s.computer.calls["surge"])

	_, ok := s.scheduler.Cache().Get("BTC", "surge", bucket+1)
	s.False(ok)
}

func (s *SchedulerTestSuite) TestRegistrationVisibleOnNextTick() {
	s.scheduler.OnTick("ETH", 1.0)
	s.True(s.scheduler.Register("ETH", s.fast))
	s.False(s.scheduler.Register("ETH", s.fast))

	updates := s.scheduler.OnTick("ETH", 2.0)
	s.Require().Len(updates, 1)
	s.Equal("PumpFast", updates[0].VariantID)
	s.Equal(variant.PriceVelocity, updates[0].BaseType)
	s.Equal(65.0, s.computer.maxWindows["ETH"])
}

func (s *SchedulerTestSuite) TestNoDataUpdatesAreReportedButNotInSnapshot() {
	s.computer.empty = true
	s.scheduler.Register("BTC", s.fast)

	updates := s.scheduler.OnTick("BTC", 5.0)
	s.Require().Len(updates, 1)
	s.False(HasValue(updates[0]))
	s.Empty(s.scheduler.Cache().Snapshot("BTC"))
}

func (s *SchedulerTestSuite) TestSnapshotKeysAreLowercaseWithBaseTypeAlias() {
	s.scheduler.Register("BTC", s.fast)
	s.scheduler.OnTick("BTC", 7.0)

	snap := s.scheduler.Cache().Snapshot("BTC")
	s.Equal(7.0, snap["pumpfast"])
	s.Equal(7.0, snap["price_velocity"])
	_, upper := snap["PumpFast"]
	s.False(upper)
}

func (s *SchedulerTestSuite) TestAmbiguousBaseTypeHasNoAlias() {
	reg := variant.NewRegistry()
	other, err := reg.Register(variant.Variant{ID: "PumpSlow", BaseType: variant.PriceVelocity, Params: variant.Params{T1: 300}})
	s.Require().NoError(err)

	s.scheduler.Register("BTC", s.fast)
	s.scheduler.Register("BTC", other)
	s.scheduler.OnTick("BTC", 1.0)

	snap := s.scheduler.Cache().Snapshot("BTC")
	s.Contains(snap, "pumpfast")
	s.Contains(snap, "pumpslow")
	s.NotContains(snap, "price_velocity")
}

func (s *SchedulerTestSuite) TestUnregisterAndClear() {
	s.scheduler.Register("BTC", s.fast)
	s.scheduler.OnTick("BTC", 1.0)
	s.scheduler.Unregister("BTC", "PUMPFAST")
	s.False(s.scheduler.IsRegistered("BTC", "pumpfast"))
	s.Empty(s.scheduler.Cache().Snapshot("BTC"))

	s.scheduler.Register("BTC", s.slow)
	s.scheduler.Clear()
	s.Empty(s.scheduler.Registered("BTC"))
	s.Nil(s.scheduler.OnTick("BTC", 50))
}

func TestScheduler_WithAggregator(t *testing.T) {
	agg := window.NewAggregator(0)
	sched := NewScheduler(agg, NewCache())
	reg := variant.NewRegistry()
	v, err := reg.Register(variant.Variant{ID: "twpa10", BaseType: variant.TWPA, Params: variant.Params{T1: 10}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Register("SOL", v)
	if agg.MaxWindow("SOL") != 10 {
		t.Fatalf("expected retention window 10, got %v", agg.MaxWindow("SOL"))
	}

	for ts := 1.0; ts <= 10; ts++ {
		if err := agg.Ingest(model.Tick{Symbol: "SOL", Price: 50, Volume: 1, TS: ts}); err != nil {
			t.Fatal(err)
		}
	}
	updates := sched.OnTick("SOL", 10)
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if got := updates[0].Value.Unwrap(); got != 50 {
		t.Errorf("expected twpa 50, got %v", got)
	}
}
