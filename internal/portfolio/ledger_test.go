package portfolio

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/pkg/errors"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type LedgerTestSuite struct {
	suite.Suite
	ledger *Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (s *LedgerTestSuite) SetupTest() {
	s.ledger = NewLedger(d(1500))
}

func (s *LedgerTestSuite) TestSecondReserveOverCapIsRejected() {
	s.Require().NoError(s.ledger.Reserve("a", d(1000)))

	err := s.ledger.Reserve("b", d(1000))
	s.True(errors.HasCode(err, errors.ErrCodeBudgetExceeded))
	s.True(s.ledger.Allocated().Equal(d(1000)))

	e, free := s.ledger.Entry("b")
	s.True(e.Allocated.IsZero())
	s.True(free.Equal(d(500)))
}

func (s *LedgerTestSuite) TestReserveUpToCapExactly() {
	s.Require().NoError(s.ledger.Reserve("a", d(1000)))
	s.Require().NoError(s.ledger.Reserve("b", d(500)))
	s.True(s.ledger.Available().IsZero())
}

func (s *LedgerTestSuite) TestReleaseClampsAtAllocation() {
	s.Require().NoError(s.ledger.Reserve("a", d(300)))
	s.ledger.Release("a", d(1000))

	e, _ := s.ledger.Entry("a")
	s.True(e.Allocated.IsZero())
	s.True(s.ledger.Allocated().IsZero())

	s.ledger.Release("never-reserved", d(5))
	s.True(s.ledger.Allocated().IsZero())
}

func (s *LedgerTestSuite) TestStrategyLimit() {
	s.ledger.SetLimit("a", d(400))
	s.Require().NoError(s.ledger.Reserve("a", d(300)))
	s.True(errors.HasCode(s.ledger.Reserve("a", d(200)), errors.ErrCodeBudgetExceeded))

	_, free := s.ledger.Entry("a")
	s.True(free.Equal(d(100)))
}

func (s *LedgerTestSuite) TestNonPositiveAmountRejected() {
	s.True(errors.HasCode(s.ledger.Reserve("a", decimal.Zero), errors.ErrCodeInvalidParameter))
}

func (s *LedgerTestSuite) TestOnChange() {
	var seen []string
	s.ledger.OnChange = func(allocated, _ decimal.Decimal) { seen = append(seen, allocated.String()) }
	s.Require().NoError(s.ledger.Reserve("a", d(100)))
	s.ledger.Release("a", d(40))
	s.Equal([]string{"100", "60"}, seen)
}

func (s *LedgerTestSuite) TestConcurrentReservesNeverExceedCap() {
	ledger := NewLedger(d(1000))
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "s" + string(rune('a'+i%8))
			if err := ledger.Reserve(id, d(100)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				if i%3 == 0 {
					ledger.Release(id, d(100))
					mu.Lock()
					granted--
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	s.True(ledger.Allocated().LessThanOrEqual(d(1000)))
	s.True(ledger.Allocated().Equal(d(int64(granted) * 100)))

	sum := decimal.Zero
	for _, e := range ledger.Entries() {
		s.False(e.Allocated.IsNegative())
		sum = sum.Add(e.Allocated)
	}
	s.True(sum.Equal(ledger.Allocated()))
}

func TestPnLTracker(t *testing.T) {
	p := NewPnLTracker()
	p.Open("s1", "BTC", d(1000))
	if got := p.Summary("s1").Exposure; !got.Equal(d(1000)) {
		t.Fatalf("expected exposure 1000, got %s", got)
	}

	pnl := p.Close(ClosedTrade{
		StrategyID: "s1", Symbol: "BTC", Side: model.SideBuy,
		Qty: d(10), EntryPrice: d(100), ExitPrice: d(110), Reserved: d(1000),
	})
	if !pnl.Equal(d(100)) {
		t.Fatalf("expected pnl 100, got %s", pnl)
	}

	sum := p.Summary("s1")
	if sum.ReturnPct != 10 {
		t.Errorf("expected return 10%%, got %v", sum.ReturnPct)
	}
	if sum.OpenSymbols != 0 || sum.Trades != 1 || sum.Wins != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	short := ClosedTrade{Side: model.SideSell, Qty: d(1), EntryPrice: d(100), ExitPrice: d(90)}
	if !short.PnL().Equal(d(10)) {
		t.Errorf("expected short pnl 10, got %s", short.PnL())
	}
}
