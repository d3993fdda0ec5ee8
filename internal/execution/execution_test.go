package execution

import (
	"context"
	goerrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/mocks"
	"signal-pipelinev1/pkg/errors"
)

func intent(id string, price float64) model.OrderIntent {
	return model.OrderIntent{
		ClientID: id, StrategyID: "pump", Symbol: "BTC", Side: model.SideBuy,
		Size: 2, Price: price, Purpose: model.PurposeEntry, TS: 100,
	}
}

type fillLog struct {
	mu     sync.Mutex
	fills  []model.Fill
	errors []error
}

func (l *fillLog) callbacks() Callbacks {
	return Callbacks{
		OnFill: func(_ model.OrderIntent, f model.Fill) {
			l.mu.Lock()
			l.fills = append(l.fills, f)
			l.mu.Unlock()
		},
		OnError: func(_ model.OrderIntent, err error) {
			l.mu.Lock()
			l.errors = append(l.errors, err)
			l.mu.Unlock()
		},
	}
}

func TestDispatcher_PaperFillAndDrain(t *testing.T) {
	gw := NewPaperGateway(16, 10, 0)
	d := NewDispatcher(gw, DispatcherConfig{QueueSize: 8, Workers: 2})
	var log fillLog
	d.SetCallbacks(log.callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.TrySubmit(intent("c1", 100)))
	require.NoError(t, d.TrySubmit(intent("c2", 0)))

	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	defer dcancel()
	require.NoError(t, d.Drain(dctx))
	assert.Zero(t, d.Outstanding())

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.fills, 2)
	byID := map[string]model.Fill{}
	for _, f := range log.fills {
		byID[f.ClientID] = f
	}
	assert.Equal(t, model.FillFilled, byID["c1"].Status)
	assert.InDelta(t, 100.1, byID["c1"].Price, 1e-9)
	assert.Equal(t, model.FillRejected, byID["c2"].Status)
	assert.Len(t, gw.History(), 2)
}

func TestDispatcher_SubmitErrorIsExternalFailure(t *testing.T) {
	mc := gomock.NewController(t)
	gw := mocks.NewMockGateway(mc)
	fills := make(chan model.Fill)
	gw.EXPECT().Fills().Return((<-chan model.Fill)(fills)).AnyTimes()
	gw.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(model.OrderHandle{}, goerrors.New("connection reset"))

	d := NewDispatcher(gw, DispatcherConfig{QueueSize: 1, Workers: 1})
	var log fillLog
	d.SetCallbacks(log.callbacks())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.TrySubmit(intent("c1", 100)))
	dctx, dcancel := context.WithTimeout(ctx, time.Second)
	defer dcancel()
	require.NoError(t, d.Drain(dctx))

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.errors, 1)
	assert.True(t, errors.HasCode(log.errors[0], errors.ErrCodeExternalFailure))
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(NewPaperGateway(1, 0, 0), DispatcherConfig{QueueSize: 1, Workers: 1})
	full := 0
	d.OnQueueFull = func(model.OrderIntent) { full++ }

	require.NoError(t, d.TrySubmit(intent("c1", 100)))
	err := d.TrySubmit(intent("c2", 100))
	assert.True(t, errors.HasCode(err, errors.ErrCodeQueueFull))
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, d.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Drain(ctx))
	assert.Len(t, d.Pending(), 1)
}

func TestPaperGateway_SellSlippage(t *testing.T) {
	gw := NewPaperGateway(1, 50, 0)
	in := intent("c1", 200)
	in.Side = model.SideSell
	h, err := gw.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "PAPER-1", h.OrderID)
	f := <-gw.Fills()
	assert.InDelta(t, 199.0, f.Price, 1e-9)

	gw.Close()
	_, err = gw.Submit(context.Background(), in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExternalFailure))
}

func TestJournal_RecordAndRead(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	in := intent("c1", 100)
	require.NoError(t, j.RecordFill("S", in, model.Fill{ClientID: "c1", OrderID: "PAPER-1", Price: 100.1, Qty: 2, Status: model.FillFilled, TS: 100}))
	require.NoError(t, j.RecordFill("S", in, model.Fill{ClientID: "c2", OrderID: "PAPER-2", Status: model.FillRejected, Reason: "invalid", TS: 101}))

	trades, err := j.GetTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "PAPER-2", trades[0].OrderID)
	assert.Equal(t, "invalid", trades[0].Reason)
	assert.Equal(t, "pump", trades[1].Strategy)
	assert.Equal(t, 100.1, trades[1].Price)
}
