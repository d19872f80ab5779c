package candle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-streamer/pkg/shared"
)

func seoulLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func tickAt(loc *time.Location, hh, mm, ss int, price float64, cum int64) shared.Tick {
	ts := time.Date(2026, 3, 2, hh, mm, ss, 0, loc) // a Monday
	return shared.Tick{
		Symbol:    "005930",
		Price:     price,
		CumVolume: cum,
		EventTS:   ts.UnixMilli(),
	}
}

func TestFoldTwoTicksSameBucket(t *testing.T) {
	loc := seoulLoc(t)
	agg := NewAggregator(loc, nil, shared.NopLogger{}, nil)

	out := agg.Fold(tickAt(loc, 9, 30, 5, 71000, 1000))
	assert.Len(t, out, len(AllIntervals))

	agg.Fold(tickAt(loc, 9, 30, 30, 71500, 1500))

	c, ok := agg.Live("005930", Interval1m)
	require.True(t, ok)
	assert.Equal(t, 71000.0, c.Open)
	assert.Equal(t, 71500.0, c.Close)
	assert.Equal(t, 71500.0, c.High)
	assert.Equal(t, 71000.0, c.Low)
	assert.Equal(t, int64(500), c.Volume)
	assert.Equal(t, 2, c.TickCount)
	assert.Equal(t, 500.0, c.ChangePrice)
	assert.InDelta(t, 500.0/71000.0*100, c.ChangeRate, 1e-9)
	assert.False(t, c.Complete)
}

func TestFoldTracksLowAndHigh(t *testing.T) {
	loc := seoulLoc(t)
	agg := NewAggregator(loc, nil, shared.NopLogger{}, nil)

	agg.Fold(tickAt(loc, 9, 30, 1, 71000, 100))
	agg.Fold(tickAt(loc, 9, 30, 2, 70500, 200))
	agg.Fold(tickAt(loc, 9, 30, 3, 71200, 300))

	c, ok := agg.Live("005930", Interval1m)
	require.True(t, ok)
	assert.Equal(t, 70500.0, c.Low)
	assert.Equal(t, 71200.0, c.High)
	assert.Equal(t, 71200.0, c.Close)
	assert.LessOrEqual(t, c.Low, c.Open)
	assert.GreaterOrEqual(t, c.High, c.Close)
}

func TestRolloverFreezesAndOpensNewCandle(t *testing.T) {
	loc := seoulLoc(t)
	var saved []shared.Candle
	agg := NewAggregator(loc, StoreFunc(func(c shared.Candle) {
		saved = append(saved, c)
	}), shared.NopLogger{}, nil)

	agg.FoldInterval(tickAt(loc, 9, 30, 5, 71000, 1000), Interval1m)
	agg.FoldInterval(tickAt(loc, 9, 30, 40, 71500, 1500), Interval1m)
	c, ok := agg.FoldInterval(tickAt(loc, 9, 31, 2, 71400, 1700), Interval1m)
	require.True(t, ok)

	// The 09:30 candle was frozen on the way out.
	var frozen *shared.Candle
	for i := range saved {
		if saved[i].Complete {
			frozen = &saved[i]
		}
	}
	require.NotNil(t, frozen)
	assert.Equal(t, 71500.0, frozen.Close)
	assert.Equal(t, int64(500), frozen.Volume)

	// The new live candle starts from the previous terminal volume.
	assert.Equal(t, 71400.0, c.Open)
	assert.Equal(t, int64(200), c.Volume)
	assert.Equal(t, 1, c.TickCount)
	assert.False(t, c.Complete)

	live, ok := agg.Live("005930", Interval1m)
	require.True(t, ok)
	assert.Equal(t, c.BucketStart, live.BucketStart)
}

func TestStaleTickDropped(t *testing.T) {
	loc := seoulLoc(t)
	agg := NewAggregator(loc, nil, shared.NopLogger{}, nil)

	agg.FoldInterval(tickAt(loc, 9, 31, 0, 71400, 1700), Interval1m)
	before, _ := agg.Live("005930", Interval1m)

	_, ok := agg.FoldInterval(tickAt(loc, 9, 30, 59, 71000, 1650), Interval1m)
	assert.False(t, ok)

	after, _ := agg.Live("005930", Interval1m)
	assert.Equal(t, before, after)
}

func TestVolumeNeverNegative(t *testing.T) {
	loc := seoulLoc(t)
	agg := NewAggregator(loc, nil, shared.NopLogger{}, nil)

	agg.FoldInterval(tickAt(loc, 9, 30, 5, 71000, 1000), Interval1m)
	// Cumulative volume going backwards clamps to zero rather than
	// corrupting the candle.
	agg.FoldInterval(tickAt(loc, 9, 30, 10, 71100, 900), Interval1m)

	c, ok := agg.Live("005930", Interval1m)
	require.True(t, ok)
	assert.Equal(t, int64(0), c.Volume)
}

func TestBucketStartAlignments(t *testing.T) {
	loc := seoulLoc(t)
	ts := time.Date(2026, 3, 18, 10, 47, 33, 0, loc) // a Wednesday
	ms := ts.UnixMilli()

	assert.Equal(t, time.Date(2026, 3, 18, 10, 47, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval1m, loc))
	assert.Equal(t, time.Date(2026, 3, 18, 10, 45, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval5m, loc))
	assert.Equal(t, time.Date(2026, 3, 18, 10, 45, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval15m, loc))
	assert.Equal(t, time.Date(2026, 3, 18, 10, 0, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval1h, loc))
	assert.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval1d, loc))
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval1w, loc))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, loc).UnixMilli(), BucketStart(ms, Interval1mo, loc))
}

func TestSymbolsAreIndependent(t *testing.T) {
	loc := seoulLoc(t)
	agg := NewAggregator(loc, nil, shared.NopLogger{}, nil)

	a := tickAt(loc, 9, 30, 5, 71000, 1000)
	b := tickAt(loc, 9, 30, 6, 185000, 50)
	b.Symbol = "000660"

	agg.Fold(a)
	agg.Fold(b)

	ca, ok := agg.Live("005930", Interval1m)
	require.True(t, ok)
	cb, ok := agg.Live("000660", Interval1m)
	require.True(t, ok)
	assert.Equal(t, 71000.0, ca.Open)
	assert.Equal(t, 185000.0, cb.Open)
	assert.Equal(t, int64(1000), ca.Volume)
	assert.Equal(t, int64(50), cb.Volume)
}
