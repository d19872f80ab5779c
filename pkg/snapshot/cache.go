// Package snapshot keeps the last known tick and book per symbol in an
// external cache, strictly best-effort: a dead cache degrades to no caching,
// never to a pipeline failure.
package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"market-streamer/pkg/session"
	"market-streamer/pkg/shared"
)

const (
	tickKeyPrefix      = "snap:tick:"
	bookKeyPrefix      = "snap:book:"
	closeTickKeyPrefix = "snap:close:tick:"
	closeBookKeyPrefix = "snap:close:book:"
)

// Cache adapts the external key-value store. Every operation runs behind a
// health check with a short timeout; puts become no-ops and gets return
// absent when the cache is unreachable.
type Cache struct {
	kv        shared.KV
	log       shared.Logger
	opTimeout time.Duration

	mu           sync.Mutex
	symbols      map[string]struct{}
	prevState    session.State
	prevSet      bool
	lastCloseDay string
}

func New(kv shared.KV, log shared.Logger, opTimeout time.Duration) *Cache {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &Cache{
		kv:        kv,
		log:       log,
		opTimeout: opTimeout,
		symbols:   make(map[string]struct{}),
	}
}

func (c *Cache) healthy(ctx context.Context) bool {
	return c.kv.Ping(ctx) == nil
}

// PutTick stores the latest tick for its symbol, overwriting the previous
// snapshot. No-op when the cache is down.
func (c *Cache) PutTick(t shared.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if !c.healthy(ctx) {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, tickKeyPrefix+t.Symbol, string(raw)); err != nil {
		c.log.Printf("[snapshot] put tick %s failed: %v", t.Symbol, err)
		return
	}
	c.mu.Lock()
	c.symbols[t.Symbol] = struct{}{}
	c.mu.Unlock()
}

// PutBook stores the latest depth snapshot for its symbol.
func (c *Cache) PutBook(b shared.OrderBook) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if !c.healthy(ctx) {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, bookKeyPrefix+b.Symbol, string(raw)); err != nil {
		c.log.Printf("[snapshot] put book %s failed: %v", b.Symbol, err)
	}
}

// GetTick answers a newly subscribed client immediately. Falls back from
// the live snapshot to the closing snapshot to absent.
func (c *Cache) GetTick(symbol string) (shared.Tick, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if !c.healthy(ctx) {
		return shared.Tick{}, false
	}
	for _, key := range []string{tickKeyPrefix + symbol, closeTickKeyPrefix + symbol} {
		raw, err := c.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var t shared.Tick
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		return t, true
	}
	return shared.Tick{}, false
}

// GetBook mirrors GetTick for depth snapshots.
func (c *Cache) GetBook(symbol string) (shared.OrderBook, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if !c.healthy(ctx) {
		return shared.OrderBook{}, false
	}
	for _, key := range []string{bookKeyPrefix + symbol, closeBookKeyPrefix + symbol} {
		raw, err := c.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var b shared.OrderBook
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			continue
		}
		return b, true
	}
	return shared.OrderBook{}, false
}

// ObserveState is driven by the once-per-minute session timer. On the first
// OPEN to CLOSED_DAY transition of a trading day it copies every live
// snapshot into the closing slot; the copy happens at most once per day.
func (c *Cache) ObserveState(now time.Time, st session.State) {
	c.mu.Lock()
	transition := c.prevSet && c.prevState == session.StateOpen && st == session.StateClosedDay
	c.prevState = st
	c.prevSet = true

	day := now.Format("2006-01-02")
	if !transition || c.lastCloseDay == day {
		c.mu.Unlock()
		return
	}
	c.lastCloseDay = day
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	c.writeClosing(symbols)
}

func (c *Cache) writeClosing(symbols []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout*time.Duration(len(symbols)+1))
	defer cancel()
	if !c.healthy(ctx) {
		c.log.Printf("[snapshot] cache down at close, skipping closing snapshot")
		return
	}
	written := 0
	for _, sym := range symbols {
		if raw, err := c.kv.Get(ctx, tickKeyPrefix+sym); err == nil && raw != "" {
			if err := c.kv.Set(ctx, closeTickKeyPrefix+sym, raw); err == nil {
				written++
			}
		}
		if raw, err := c.kv.Get(ctx, bookKeyPrefix+sym); err == nil && raw != "" {
			_ = c.kv.Set(ctx, closeBookKeyPrefix+sym, raw)
		}
	}
	c.log.Printf("[snapshot] closing snapshot written for %d/%d symbols", written, len(symbols))
}
