// Package book builds depth ladders, substituting a synthetic ladder when
// the real one is stale or inconsistent with the traded price.
package book

import (
	"math/rand"
	"sync"

	"market-streamer/pkg/shared"
)

const depth = 10

// TickSize returns the exchange price increment for the given price band.
func TickSize(price float64) float64 {
	switch {
	case price < 2000:
		return 1
	case price < 5000:
		return 5
	case price < 20000:
		return 10
	case price < 50000:
		return 50
	case price < 200000:
		return 100
	case price < 500000:
		return 500
	default:
		return 1000
	}
}

// Usable reports whether a real book straddles the traded price: at least
// one ask strictly above and one bid strictly below. Anything else gets
// replaced wholesale to keep the ladder monotonic for the UI.
func Usable(b *shared.OrderBook, price float64) bool {
	if b == nil || len(b.Asks) == 0 || len(b.Bids) == 0 {
		return false
	}
	askAbove := false
	for _, lvl := range b.Asks {
		if lvl.Price > price {
			askAbove = true
			break
		}
	}
	if !askAbove {
		return false
	}
	for _, lvl := range b.Bids {
		if lvl.Price < price {
			return true
		}
	}
	return false
}

// Synthesizer generates plausible ladders around a traded price.
type Synthesizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSynthesizer(seed int64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewSource(seed))}
}

// Build produces a full synthetic book: asks climb from price by tick size,
// bids descend, quantities shrink with rank plus bounded jitter, floor 1.
func (s *Synthesizer) Build(symbol string, price float64) shared.OrderBook {
	tick := TickSize(price)
	book := shared.OrderBook{
		Symbol:    symbol,
		Bids:      make([]shared.OrderBookLevel, 0, depth),
		Asks:      make([]shared.OrderBookLevel, 0, depth),
		Synthetic: true,
	}
	for i := 1; i <= depth; i++ {
		qty := s.syntheticQty(i)
		ask := shared.OrderBookLevel{
			Price:    price + float64(i)*tick,
			Quantity: qty,
			Rank:     i,
			Side:     shared.SideAsk,
		}
		book.Asks = append(book.Asks, ask)
		book.TotalAskQty += qty

		qty = s.syntheticQty(i)
		bid := shared.OrderBookLevel{
			Price:    price - float64(i)*tick,
			Quantity: qty,
			Rank:     i,
			Side:     shared.SideBid,
		}
		book.Bids = append(book.Bids, bid)
		book.TotalBidQty += qty
	}
	return book
}

// Resolve returns the real book when it is usable, otherwise a synthetic
// substitute for both sides.
func (s *Synthesizer) Resolve(real *shared.OrderBook, symbol string, price float64) shared.OrderBook {
	if Usable(real, price) {
		return *real
	}
	return s.Build(symbol, price)
}

func (s *Synthesizer) syntheticQty(rank int) int64 {
	s.mu.Lock()
	jitter := s.rng.Int63n(50)
	s.mu.Unlock()
	qty := int64(depth+1-rank)*100 + jitter
	if qty < 1 {
		qty = 1
	}
	return qty
}
