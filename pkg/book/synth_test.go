package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-streamer/pkg/shared"
)

func TestTickSizeBands(t *testing.T) {
	cases := []struct {
		price float64
		want  float64
	}{
		{1500, 1},
		{1999, 1},
		{2000, 5},
		{4999, 5},
		{5000, 10},
		{19999, 10},
		{20000, 50},
		{49999, 50},
		{50000, 100},
		{71000, 100},
		{199999, 100},
		{200000, 500},
		{499999, 500},
		{500000, 1000},
		{1200000, 1000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TickSize(tc.price), "price %.0f", tc.price)
	}
}

func TestBuildLadderShape(t *testing.T) {
	s := NewSynthesizer(1)
	b := s.Build("005930", 71000)

	require.Len(t, b.Asks, depth)
	require.Len(t, b.Bids, depth)
	assert.True(t, b.Synthetic)

	tick := TickSize(71000)
	for i, lvl := range b.Asks {
		assert.Equal(t, 71000+float64(i+1)*tick, lvl.Price)
		assert.Equal(t, i+1, lvl.Rank)
		assert.Equal(t, shared.SideAsk, lvl.Side)
		assert.GreaterOrEqual(t, lvl.Quantity, int64(1))
		if i > 0 {
			assert.Greater(t, lvl.Price, b.Asks[i-1].Price)
		}
	}
	for i, lvl := range b.Bids {
		assert.Equal(t, 71000-float64(i+1)*tick, lvl.Price)
		assert.Equal(t, shared.SideBid, lvl.Side)
		if i > 0 {
			assert.Less(t, lvl.Price, b.Bids[i-1].Price)
		}
	}

	var askSum, bidSum int64
	for _, lvl := range b.Asks {
		askSum += lvl.Quantity
	}
	for _, lvl := range b.Bids {
		bidSum += lvl.Quantity
	}
	assert.Equal(t, askSum, b.TotalAskQty)
	assert.Equal(t, bidSum, b.TotalBidQty)
}

func TestSyntheticQuantitiesShrinkWithRank(t *testing.T) {
	s := NewSynthesizer(42)
	b := s.Build("005930", 71000)

	// Jitter is bounded by 50 while the per-rank step is 100, so the
	// shrink ordering always holds.
	for i := 1; i < depth; i++ {
		assert.Less(t, b.Asks[i].Quantity, b.Asks[i-1].Quantity)
	}
}

func TestUsable(t *testing.T) {
	good := &shared.OrderBook{
		Asks: []shared.OrderBookLevel{{Price: 71100}},
		Bids: []shared.OrderBookLevel{{Price: 70900}},
	}
	assert.True(t, Usable(good, 71000))

	assert.False(t, Usable(nil, 71000))
	assert.False(t, Usable(&shared.OrderBook{}, 71000))

	// All asks at or below the traded price means the book is stale.
	stale := &shared.OrderBook{
		Asks: []shared.OrderBookLevel{{Price: 70900}},
		Bids: []shared.OrderBookLevel{{Price: 70800}},
	}
	assert.False(t, Usable(stale, 71000))

	// Bids at or above the traded price fail the other side.
	crossed := &shared.OrderBook{
		Asks: []shared.OrderBookLevel{{Price: 71100}},
		Bids: []shared.OrderBookLevel{{Price: 71000}},
	}
	assert.False(t, Usable(crossed, 71000))
}

func TestResolveFallsBackToSynthetic(t *testing.T) {
	s := NewSynthesizer(7)

	stale := &shared.OrderBook{
		Symbol: "005930",
		Asks:   []shared.OrderBookLevel{{Price: 70900, Quantity: 10}},
		Bids:   []shared.OrderBookLevel{{Price: 70800, Quantity: 10}},
	}
	b := s.Resolve(stale, "005930", 71000)
	require.True(t, b.Synthetic)
	assert.Equal(t, 71100.0, b.Asks[0].Price)
	assert.Equal(t, 70900.0, b.Bids[0].Price)
}

func TestResolveKeepsUsableBook(t *testing.T) {
	s := NewSynthesizer(7)

	real := &shared.OrderBook{
		Symbol: "005930",
		Asks:   []shared.OrderBookLevel{{Price: 71100, Quantity: 10}},
		Bids:   []shared.OrderBookLevel{{Price: 70900, Quantity: 20}},
	}
	b := s.Resolve(real, "005930", 71000)
	assert.False(t, b.Synthetic)
	assert.Equal(t, *real, b)
}
