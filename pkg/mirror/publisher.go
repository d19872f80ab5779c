// Package mirror republishes processed ticks to a secondary bus for
// analytics. This path is observational only: it may drop, it may fail, and
// neither must ever touch primary delivery.
package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"market-streamer/pkg/shared"
)

// Metrics is the publisher's metric bundle; nil disables instrumentation.
type Metrics struct {
	Published prometheus.Counter
	Dropped   prometheus.Counter
	Failed    prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Published: shared.NewCounter(prometheus.CounterOpts{Name: "mirror_published_total", Help: "Ticks mirrored to the secondary bus"}),
		Dropped:   shared.NewCounter(prometheus.CounterOpts{Name: "mirror_dropped_total", Help: "Ticks dropped due to a full mirror queue"}),
		Failed:    shared.NewCounter(prometheus.CounterOpts{Name: "mirror_failed_total", Help: "Mirror bus writes that failed"}),
	}
}

// Publisher forwards ticks to Kafka through a buffered queue and a single
// background worker. Publish never blocks and never returns an error.
type Publisher struct {
	producer shared.Producer
	topic    string
	log      shared.Logger
	metrics  *Metrics

	in     chan shared.Tick
	quit   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPublisher(producer shared.Producer, topic string, queue int, log shared.Logger, m *Metrics) *Publisher {
	if queue < 1 {
		queue = 4096
	}
	p := &Publisher{
		producer: producer,
		topic:    topic,
		log:      log,
		metrics:  m,
		in:       make(chan shared.Tick, queue),
		quit:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish enqueues a tick for mirroring. Full queue or a closed publisher
// means the tick is dropped; the mirror is allowed to lose data, the
// primary path is not. The queue channel is never closed, so a tick racing
// shutdown is dropped rather than panicking.
func (p *Publisher) Publish(t shared.Tick) {
	if p.closed.Load() {
		if p.metrics != nil {
			p.metrics.Dropped.Inc()
		}
		return
	}
	select {
	case p.in <- t:
	default:
		if p.metrics != nil {
			p.metrics.Dropped.Inc()
		}
	}
}

// Close drains the queue and releases the producer. Idempotent.
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.quit)
	})
	p.wg.Wait()
	p.producer.Close()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.in:
			p.send(t)
		case <-p.quit:
			for {
				select {
				case t := <-p.in:
					p.send(t)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(t shared.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := p.producer.ProduceJSON(ctx, p.topic, []byte(t.Symbol), t)
	cancel()
	if err != nil {
		p.log.Printf("[mirror] publish %s failed: %v", t.Symbol, err)
		if p.metrics != nil {
			p.metrics.Failed.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.Published.Inc()
	}
}
