// Package candle folds ticks into multi-resolution OHLCV candles.
package candle

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"market-streamer/pkg/shared"
)

// Interval is a candle resolution.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
	Interval1mo Interval = "1mo"
)

// AllIntervals lists every supported resolution, finest first.
var AllIntervals = []Interval{
	Interval1m, Interval5m, Interval15m, Interval1h,
	Interval1d, Interval1w, Interval1mo,
}

var subDayDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
}

// BucketStart truncates an event time (millis) to its bucket boundary.
// Sub-day intervals align on minute boundaries; daily and above align on
// calendar days in the session timezone.
func BucketStart(tsMillis int64, iv Interval, loc *time.Location) int64 {
	if d, ok := subDayDurations[iv]; ok {
		ms := d.Milliseconds()
		return tsMillis - tsMillis%ms
	}
	t := time.UnixMilli(tsMillis).In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch iv {
	case Interval1d:
		return day.UnixMilli()
	case Interval1w:
		// Weeks start on Monday.
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back).UnixMilli()
	case Interval1mo:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).UnixMilli()
	default:
		return day.UnixMilli()
	}
}

// Store receives every candle update; persistence is fire-and-forget.
type Store interface {
	SaveAsync(c shared.Candle)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(shared.Candle)

func (f StoreFunc) SaveAsync(c shared.Candle) { f(c) }

// Metrics is the aggregator's metric bundle; nil disables instrumentation.
type Metrics struct {
	Folds          prometheus.Counter
	Completed      prometheus.Counter
	Stale          prometheus.Counter
	TrackedSymbols prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Folds:          shared.NewCounter(prometheus.CounterOpts{Name: "candle_folds_total", Help: "Ticks folded into candles"}),
		Completed:      shared.NewCounter(prometheus.CounterOpts{Name: "candle_completed_total", Help: "Candles frozen on bucket rollover"}),
		Stale:          shared.NewCounter(prometheus.CounterOpts{Name: "candle_stale_ticks_total", Help: "Ticks ignored for targeting an earlier bucket"}),
		TrackedSymbols: shared.NewGauge(prometheus.GaugeOpts{Name: "candle_tracked_symbols", Help: "Symbols with aggregation state"}),
	}
}

// symbolState is all mutable aggregation state for one symbol. Each symbol
// carries its own lock so unrelated symbols never serialize on each other.
type symbolState struct {
	mu       sync.Mutex
	live     map[Interval]*shared.Candle
	baseline map[Interval]int64 // previous bucket's terminal cumulative volume
	lastCum  map[Interval]int64 // terminal cumulative volume of the live bucket
}

// Aggregator owns all live candles. At most one non-complete candle exists
// per (symbol, interval); completed candles are never edited.
type Aggregator struct {
	loc     *time.Location
	store   Store
	log     shared.Logger
	metrics *Metrics

	states sync.Map // symbol -> *symbolState
}

func NewAggregator(loc *time.Location, store Store, log shared.Logger, m *Metrics) *Aggregator {
	if store == nil {
		store = StoreFunc(func(shared.Candle) {})
	}
	return &Aggregator{loc: loc, store: store, log: log, metrics: m}
}

func (a *Aggregator) state(symbol string) *symbolState {
	if v, ok := a.states.Load(symbol); ok {
		return v.(*symbolState)
	}
	st := &symbolState{
		live:     make(map[Interval]*shared.Candle),
		baseline: make(map[Interval]int64),
		lastCum:  make(map[Interval]int64),
	}
	actual, loaded := a.states.LoadOrStore(symbol, st)
	if !loaded && a.metrics != nil {
		a.metrics.TrackedSymbols.Inc()
	}
	return actual.(*symbolState)
}

// Fold applies one tick to every supported interval and returns copies of
// the updated live candles.
func (a *Aggregator) Fold(t shared.Tick) []shared.Candle {
	st := a.state(t.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]shared.Candle, 0, len(AllIntervals))
	for _, iv := range AllIntervals {
		if c, ok := a.foldLocked(st, t, iv); ok {
			out = append(out, c)
		}
	}
	if a.metrics != nil {
		a.metrics.Folds.Inc()
	}
	return out
}

// FoldInterval applies one tick to a single interval.
func (a *Aggregator) FoldInterval(t shared.Tick, iv Interval) (shared.Candle, bool) {
	st := a.state(t.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return a.foldLocked(st, t, iv)
}

// Live returns a copy of the live candle for (symbol, interval), if any.
func (a *Aggregator) Live(symbol string, iv Interval) (shared.Candle, bool) {
	v, ok := a.states.Load(symbol)
	if !ok {
		return shared.Candle{}, false
	}
	st := v.(*symbolState)
	st.mu.Lock()
	defer st.mu.Unlock()
	c := st.live[iv]
	if c == nil {
		return shared.Candle{}, false
	}
	return *c, true
}

func (a *Aggregator) foldLocked(st *symbolState, t shared.Tick, iv Interval) (shared.Candle, bool) {
	bucket := BucketStart(t.EventTS, iv, a.loc)
	live := st.live[iv]

	switch {
	case live == nil:
		// First tick ever seen for this (symbol, interval).
	case bucket == live.BucketStart:
		a.updateLocked(st, live, t, iv)
		a.store.SaveAsync(*live)
		return *live, true
	case bucket > live.BucketStart:
		live.Complete = true
		a.store.SaveAsync(*live)
		if a.metrics != nil {
			a.metrics.Completed.Inc()
		}
		st.baseline[iv] = st.lastCum[iv]
	default:
		// A tick for an already-closed bucket; completed candles are
		// immutable, so it is dropped.
		a.log.Printf("[candle] stale tick %s %s: bucket %d before live %d", t.Symbol, iv, bucket, live.BucketStart)
		if a.metrics != nil {
			a.metrics.Stale.Inc()
		}
		return shared.Candle{}, false
	}

	c := a.openLocked(st, t, iv, bucket)
	st.live[iv] = c
	st.lastCum[iv] = t.CumVolume
	a.store.SaveAsync(*c)
	return *c, true
}

func (a *Aggregator) openLocked(st *symbolState, t shared.Tick, iv Interval, bucket int64) *shared.Candle {
	var vol int64
	if base, ok := st.baseline[iv]; ok {
		vol = t.CumVolume - base
		if vol < 0 {
			vol = 0
		}
	} else {
		// No prior bucket is known for this symbol; fall back to the full
		// cumulative volume and record the current figure as the delta
		// basis for subsequent ticks.
		vol = t.CumVolume
		st.baseline[iv] = t.CumVolume
	}
	return &shared.Candle{
		Symbol:      t.Symbol,
		Interval:    string(iv),
		BucketStart: bucket,
		Open:        t.Price,
		High:        t.Price,
		Low:         t.Price,
		Close:       t.Price,
		Volume:      vol,
		TickCount:   1,
	}
}

func (a *Aggregator) updateLocked(st *symbolState, c *shared.Candle, t shared.Tick, iv Interval) {
	c.Close = t.Price
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	vol := t.CumVolume - st.baseline[iv]
	if vol < 0 {
		vol = 0
	}
	c.Volume = vol
	c.ChangePrice = c.Close - c.Open
	if c.Open != 0 {
		c.ChangeRate = c.ChangePrice / c.Open * 100
	} else {
		c.ChangeRate = 0
	}
	c.TickCount++
	st.lastCum[iv] = t.CumVolume
}
