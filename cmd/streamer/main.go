// Streamer bridges the upstream brokerage feed to client websockets:
// parses trade frames, folds candles into Postgres, keeps Redis
// snapshots, mirrors ticks to Kafka and fans updates out per symbol.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-streamer/pkg/book"
	"market-streamer/pkg/candle"
	"market-streamer/pkg/feed"
	"market-streamer/pkg/gateway"
	"market-streamer/pkg/mirror"
	"market-streamer/pkg/refdata"
	"market-streamer/pkg/session"
	"market-streamer/pkg/shared"
	"market-streamer/pkg/snapshot"
)

type appConfig struct {
	Feed     shared.FeedConfig
	Kafka    shared.KafkaConfig
	Postgres shared.PostgresConfig
	Redis    shared.RedisConfig
	Metrics  shared.MetricsConfig
	Gateway  shared.GatewayConfig
	Session  shared.SessionConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := shared.Load[appConfig]("")
	if err != nil {
		log.Fatalf("[streamer] config: %v", err)
	}
	logger := shared.NewLogger("streamer")

	shared.NewMetricsServer(cfg.Metrics.Port).Start()

	clock, err := session.New(cfg.Session)
	if err != nil {
		logger.Fatalf("session clock: %v", err)
	}

	db, err := shared.NewPgxPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	store := candle.NewPgStore(db, logger, 1024)
	agg := candle.NewAggregator(clock.Location(), store, logger, candle.NewMetrics())

	kv := shared.NewRedisKV(cfg.Redis)
	defer kv.Close()
	cache := snapshot.New(kv, logger, cfg.Redis.OpTimeout)

	producer := shared.NewProducer(cfg.Kafka)
	pub := mirror.NewPublisher(producer, cfg.Kafka.MirrorTopic, 1024, logger, mirror.NewMetrics())

	books := book.NewSynthesizer(time.Now().UnixNano())
	names := refdata.NewPgLookup(db, logger)

	// The connector's tick callback and the registry's upstream form a
	// cycle; the broadcaster variable is bound before the first tick can
	// ever arrive because Run starts below.
	var bcast *gateway.Broadcaster
	connector := feed.NewConnector(cfg.Feed, nil, feed.NewParser(clock.Location()),
		func(t shared.Tick) { bcast.HandleTick(t) }, logger, feed.NewMetrics())

	registry := gateway.NewRegistry(connector)
	bcast = gateway.NewBroadcaster(registry, agg, cache, pub, books, names,
		logger, gateway.NewMetrics())
	connector.OnBook(func(b shared.OrderBook) { bcast.HandleBook(b) })

	connDone := make(chan struct{})
	go func() {
		connector.Run(ctx)
		close(connDone)
	}()

	// Session watcher drives the end-of-day snapshot freeze.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().In(clock.Location())
				cache.ObserveState(now, clock.State(now))
			}
		}
	}()

	srv := gateway.NewServer(cfg.Gateway, registry, cache, books, names, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatalf("gateway: %v", err)
		}
	}()

	logger.Printf("up; feed=%s gateway=:%d metrics=:%d",
		cfg.Feed.URL, cfg.Gateway.Port, cfg.Metrics.Port)

	<-ctx.Done()
	logger.Printf("shutting down")
	// The feed goroutine exits before the sinks close so no tick is in
	// flight behind them.
	<-connDone
	pub.Close()
	store.Close()
}
