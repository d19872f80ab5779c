package candle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"market-streamer/pkg/shared"
)

const upsertSQL = `
INSERT INTO candles(symbol, interval, bucket_start, open, high, low, close, volume, change_price, change_rate, tick_count, complete)
VALUES($1, $2, to_timestamp($3 / 1000.0), $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT(symbol, interval, bucket_start) DO UPDATE
SET open=EXCLUDED.open,
    high=EXCLUDED.high,
    low=EXCLUDED.low,
    close=EXCLUDED.close,
    volume=EXCLUDED.volume,
    change_price=EXCLUDED.change_price,
    change_rate=EXCLUDED.change_rate,
    tick_count=EXCLUDED.tick_count,
    complete=EXCLUDED.complete;
`

// PgStore persists candle updates to Postgres off the hot path. Writes are
// batched and best-effort; a failed batch is logged and dropped, never
// propagated to the aggregation or broadcast paths.
type PgStore struct {
	db     *shared.PgxDB
	log    shared.Logger
	in     chan shared.Candle
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func NewPgStore(db *shared.PgxDB, log shared.Logger, queue int) *PgStore {
	if queue < 1 {
		queue = 4096
	}
	s := &PgStore{
		db:   db,
		log:  log,
		in:   make(chan shared.Candle, queue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// SaveAsync enqueues a candle write without blocking. When the queue is
// full the update is dropped; the next update for the same bucket
// supersedes it anyway. The queue channel is never closed, so a write
// racing shutdown is dropped rather than panicking.
func (s *PgStore) SaveAsync(c shared.Candle) {
	if s.closed.Load() {
		return
	}
	select {
	case s.in <- c:
	default:
		s.log.Printf("[candlestore] queue full, dropped %s %s", c.Symbol, c.Interval)
	}
}

// Close drains pending writes and stops the worker. Idempotent.
func (s *PgStore) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.quit)
	})
	<-s.done
}

func (s *PgStore) run() {
	defer close(s.done)
	const maxBatch = 128
	batch := make([]shared.Candle, 0, maxBatch)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			s.log.Printf("[candlestore] batch write failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case c := <-s.in:
			batch = append(batch, c)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.quit:
			for {
				select {
				case c := <-s.in:
					batch = append(batch, c)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PgStore) writeBatch(rows []shared.Candle) error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	conn, err := s.db.Acquire()
	if err != nil {
		return err
	}
	defer conn.Release()

	pgBatch := &pgx.Batch{}
	for _, c := range rows {
		pgBatch.Queue(
			upsertSQL,
			c.Symbol,
			c.Interval,
			c.BucketStart,
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.ChangePrice,
			c.ChangeRate,
			c.TickCount,
			c.Complete,
		)
	}
	br := conn.SendBatch(ctx, pgBatch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
