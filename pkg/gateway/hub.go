package gateway

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"market-streamer/pkg/book"
	"market-streamer/pkg/refdata"
	"market-streamer/pkg/shared"
)

// TickFolder is the candle aggregation surface the broadcaster drives.
type TickFolder interface {
	Fold(t shared.Tick) []shared.Candle
}

// SnapshotStore is the cache surface the broadcaster writes and reads.
type SnapshotStore interface {
	PutTick(t shared.Tick)
	PutBook(b shared.OrderBook)
	GetBook(symbol string) (shared.OrderBook, bool)
}

// TickSink is the mirror surface; Publish must never block or fail loudly.
type TickSink interface {
	Publish(t shared.Tick)
}

// Metrics is the broadcaster's metric bundle; nil disables instrumentation.
type Metrics struct {
	TicksIn       prometheus.Counter
	Delivered     prometheus.Counter
	Pruned        prometheus.Counter
	Skipped       prometheus.Counter
	FanoutSeconds prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		TicksIn:   shared.NewCounter(prometheus.CounterOpts{Name: "broadcast_ticks_total", Help: "Ticks entering the fan-out path"}),
		Delivered: shared.NewCounter(prometheus.CounterOpts{Name: "broadcast_deliveries_total", Help: "Per-connection deliveries"}),
		Pruned:    shared.NewCounter(prometheus.CounterOpts{Name: "broadcast_pruned_total", Help: "Dead connections pruned during fan-out"}),
		Skipped:   shared.NewCounter(prometheus.CounterOpts{Name: "broadcast_skipped_total", Help: "Ticks with no subscribers"}),
		FanoutSeconds: shared.NewHist(prometheus.HistogramOpts{
			Name:    "broadcast_fanout_seconds",
			Help:    "Time to process one tick through the fan-out path",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Broadcaster runs the per-tick pipeline: candles, snapshot, mirror, then
// one serialization and delivery to every subscriber of the symbol. One
// dead connection never blocks the others; pruning happens after the pass.
type Broadcaster struct {
	registry *Registry
	folder   TickFolder
	cache    SnapshotStore
	mirror   TickSink
	books    *book.Synthesizer
	names    refdata.Lookup
	log      shared.Logger
	metrics  *Metrics
}

func NewBroadcaster(
	registry *Registry,
	folder TickFolder,
	cache SnapshotStore,
	sink TickSink,
	books *book.Synthesizer,
	names refdata.Lookup,
	log shared.Logger,
	m *Metrics,
) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		folder:   folder,
		cache:    cache,
		mirror:   sink,
		books:    books,
		names:    names,
		log:      log,
		metrics:  m,
	}
}

// HandleBook caches one real depth snapshot. Books are not broadcast on
// their own; the next tick for the symbol carries the fresh ladder.
func (b *Broadcaster) HandleBook(ob shared.OrderBook) {
	b.cache.PutBook(ob)
}

// HandleTick processes one upstream tick. Candle and cache updates happen
// whether or not anyone is subscribed; delivery is skipped when the symbol
// has no audience.
func (b *Broadcaster) HandleTick(t shared.Tick) {
	if b.metrics != nil {
		b.metrics.TicksIn.Inc()
		start := time.Now()
		defer func() { b.metrics.FanoutSeconds.Observe(time.Since(start).Seconds()) }()
	}
	b.folder.Fold(t)
	b.cache.PutTick(t)
	if b.mirror != nil {
		b.mirror.Publish(t)
	}

	subs := b.registry.Subscribers(t.Symbol)
	if len(subs) == 0 {
		if b.metrics != nil {
			b.metrics.Skipped.Inc()
		}
		return
	}

	var real *shared.OrderBook
	if rb, ok := b.cache.GetBook(t.Symbol); ok {
		real = &rb
	}
	ladder := b.books.Resolve(real, t.Symbol, t.Price)

	update := StockUpdateMessage{
		Type:      MsgStockUpdate,
		Name:      b.names.DisplayName(t.Symbol),
		Tick:      t,
		OrderBook: ladder,
	}
	raw, err := json.Marshal(update)
	if err != nil {
		b.log.Printf("[broadcast] marshal %s failed: %v", t.Symbol, err)
		return
	}

	var dead []Conn
	for _, c := range subs {
		if c.Deliver(raw) {
			if b.metrics != nil {
				b.metrics.Delivered.Inc()
			}
			continue
		}
		dead = append(dead, c)
	}
	// Structural mutation waits until the pass is over.
	for _, c := range dead {
		b.registry.RemoveConn(c)
		if b.metrics != nil {
			b.metrics.Pruned.Inc()
		}
	}
}
