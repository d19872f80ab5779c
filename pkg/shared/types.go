package shared

import "time"

// Sign is the direction of a price change relative to the previous close.
type Sign string

const (
	SignUp   Sign = "UP"
	SignDown Sign = "DOWN"
	SignFlat Sign = "FLAT"
)

// Tick is one real-time price update for a symbol. Immutable once parsed.
type Tick struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	ChangePrice float64 `json:"change_price"`
	Sign        Sign    `json:"sign"`
	ChangeRate  float64 `json:"change_rate"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	PrevClose   float64 `json:"prev_close"`
	CumVolume   int64   `json:"cum_volume"`
	EventTS     int64   `json:"event_ts"` // milliseconds epoch
}

func (t Tick) EventTime() time.Time {
	return time.UnixMilli(t.EventTS)
}

// BookSide marks which half of the depth ladder a level belongs to.
type BookSide string

const (
	SideBid BookSide = "BID"
	SideAsk BookSide = "ASK"
)

// OrderBookLevel is one rung of the depth ladder, rank 1 being best.
type OrderBookLevel struct {
	Price    float64  `json:"price"`
	Quantity int64    `json:"quantity"`
	Rank     int      `json:"rank"`
	Side     BookSide `json:"side"`
}

// OrderBook is a 10-level depth snapshot. Synthetic books are generated
// around the traded price when the real feed is stale or inconsistent.
type OrderBook struct {
	Symbol      string           `json:"symbol"`
	Bids        []OrderBookLevel `json:"bids"` // best first, descending price
	Asks        []OrderBookLevel `json:"asks"` // best first, ascending price
	TotalBidQty int64            `json:"total_bid_qty"`
	TotalAskQty int64            `json:"total_ask_qty"`
	Synthetic   bool             `json:"synthetic"`
}

// Candle is an OHLCV aggregate over one time bucket for one symbol and
// resolution. Mutated in place while live, frozen once Complete.
type Candle struct {
	Symbol      string  `json:"symbol"`
	Interval    string  `json:"interval"`
	BucketStart int64   `json:"bucket_start"` // milliseconds epoch
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
	ChangePrice float64 `json:"change_price"`
	ChangeRate  float64 `json:"change_rate"`
	TickCount   int     `json:"tick_count"`
	Complete    bool    `json:"complete"`
}
