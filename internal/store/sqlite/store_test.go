package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessions(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	rec := model.SessionRecord{ID: "s1", Mode: "backtest", Status: "IDLE", UpdatedAt: time.Unix(100, 0)}
	require.NoError(t, s.EnsureSession(ctx, rec))

	// second ensure leaves the row alone
	require.NoError(t, s.EnsureSession(ctx, model.SessionRecord{ID: "s1", Mode: "live", Status: "RUNNING"}))
	got, ok, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "backtest", got.Mode)
	assert.Equal(t, "IDLE", got.Status)

	rec.Status = "RUNNING"
	rec.RowsProcessed = 40
	rec.RowsTotal = 100
	rec.UpdatedAt = time.Unix(200, 0)
	require.NoError(t, s.SaveSession(ctx, rec))
	got, _, err = s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", got.Status)
	assert.Equal(t, int64(40), got.RowsProcessed)
	assert.Equal(t, time.Unix(200, 0).UnixMilli(), got.UpdatedAt.UnixMilli())

	_, ok, err = s.LoadSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTicks_OrderedPaging(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	ticks := []model.Tick{
		{Symbol: "BTC", TS: 3, Price: 103, Volume: 1},
		{Symbol: "ETH", TS: 1, Price: 10, Volume: 2},
		{Symbol: "BTC", TS: 1, Price: 101, Volume: 1},
		{Symbol: "BTC", TS: 2, Price: 102, Volume: 1, Bid: 101.5, Ask: 102.5},
	}
	require.NoError(t, s.InsertTicks(ctx, ticks))

	n, err := s.CountTicks(ctx, TickRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = s.CountTicks(ctx, TickRange{Symbols: []string{"BTC"}, From: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	page, lastTS, lastID, err := s.ReadTicks(ctx, TickRange{}, 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 1.0, page[0].TS)
	assert.Equal(t, 1.0, page[1].TS)

	page, _, _, err = s.ReadTicks(ctx, TickRange{}, lastTS, lastID, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 102.0, page[0].Price)
	assert.Equal(t, 101.5, page[0].Bid)
	assert.Equal(t, 103.0, page[1].Price)
}

func TestRunIndicators_FlushesOnClose(t *testing.T) {
	s := openTemp(t)

	v := 1.5
	ch := make(chan events.Event, 4)
	ch <- events.IndicatorUpdated{SessionID: "s1", Symbol: "BTC", VariantID: "pumpfast", IndicatorType: "price_velocity", Value: &v, Timestamp: 1}
	ch <- events.Transition{StrategyID: "x", Symbol: "BTC"}
	ch <- events.IndicatorUpdated{SessionID: "s1", Symbol: "BTC", VariantID: "pumpfast", IndicatorType: "price_velocity", Timestamp: 2}
	close(ch)

	s.RunIndicators(context.Background(), ch)

	rows, err := s.ReadIndicators(context.Background(), "s1", "BTC", "pumpfast")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].Value)
	assert.Equal(t, 1.5, *rows[0].Value)
	assert.Nil(t, rows[1].Value)
}
