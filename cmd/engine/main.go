// Command engine runs the position engine: it consumes trade messages,
// maintains the event-sourced position stores, and schedules the background
// sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eqswap/positions-engine/internal/bus"
	"github.com/eqswap/positions-engine/internal/cache"
	"github.com/eqswap/positions-engine/internal/classify"
	"github.com/eqswap/positions-engine/internal/coldpath"
	"github.com/eqswap/positions-engine/internal/config"
	"github.com/eqswap/positions-engine/internal/contracts"
	"github.com/eqswap/positions-engine/internal/dispatch"
	"github.com/eqswap/positions-engine/internal/hotpath"
	"github.com/eqswap/positions-engine/internal/store"
	"github.com/eqswap/positions-engine/internal/sweep"
	"github.com/eqswap/positions-engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	pretty := flag.Bool("pretty", false, "human-readable console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Environment.LogLevel, *pretty)

	if err := run(cfg, log); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("engine exited")
	}
	log.Info().Msg("engine stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, cfg.Partitions.Count, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engineCache, closeCache, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	contractSvc := buildContracts(cfg, engineCache, log)

	producer, consumer, closeBus, err := buildBus(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	topics := resolveTopics(cfg)
	classifier := classify.New(cfg.Location())

	hot := hotpath.New(st, engineCache, contractSvc, producer, topics, classifier,
		cfg.DefaultMethod(), cfg.CacheTTL(), log)
	cold := coldpath.New(st, engineCache, contractSvc, producer, topics,
		cfg.DefaultMethod(), cfg.CacheTTL(), log)

	disp := dispatch.New(hot, cold, producer, topics,
		cfg.Partitions.Count, cfg.Partitions.QueueSize, log)
	if err := disp.Register(consumer); err != nil {
		return err
	}
	disp.Start()
	defer disp.Stop()

	idemRetention, eventRetention, staleAfter := cfg.SweepDurations()
	sweeper := sweep.New(st, sweep.Config{
		RetentionSchedule:    cfg.Sweeps.RetentionSchedule,
		ArchivalSchedule:     cfg.Sweeps.ArchivalSchedule,
		StaleScanSchedule:    cfg.Sweeps.StaleScanSchedule,
		IdempotencyRetention: idemRetention,
		EventRetention:       eventRetention,
		StaleAfter:           staleAfter,
		Partitions:           cfg.Partitions.Count,
	}, log)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	log.Info().
		Str("provider", cfg.Messaging.Provider).
		Str("cache", cfg.Cache.Type).
		Int("partitions", cfg.Partitions.Count).
		Msg("engine started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return consumer.Stop()
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, func(), error) {
	switch cfg.Cache.Type {
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return cache.NewMemory(), func() {}, nil
	}
}

func buildContracts(cfg *config.Config, c cache.Cache, log zerolog.Logger) contracts.ContractService {
	var svc contracts.ContractService
	switch cfg.Contracts.Type {
	case "rest":
		svc = contracts.NewRESTClient(contracts.RESTConfig{
			BaseURL: cfg.Contracts.Endpoint,
			Timeout: cfg.ContractTimeout(),
		})
	default:
		svc = contracts.NewMock()
	}
	if cfg.Contracts.Breaker {
		svc = contracts.NewBreakerService(svc, contracts.DefaultBreakerSettings(), log)
	}
	return contracts.NewCachedService(svc, c, cfg.ContractCacheTTL())
}

func buildBus(cfg *config.Config, log zerolog.Logger) (bus.Producer, bus.Consumer, func(), error) {
	switch cfg.Messaging.Provider {
	case "kafka":
		kcfg := bus.KafkaConfig{
			Brokers:       cfg.Messaging.Kafka.Brokers,
			ConsumerGroup: cfg.Messaging.Kafka.GroupID,
			ClientID:      "positions-engine",
		}
		producer, err := bus.NewKafkaProducer(kcfg)
		if err != nil {
			return nil, nil, nil, err
		}
		consumer := bus.NewKafkaConsumer(kcfg, log)
		return producer, consumer, producer.Close, nil
	case "solace":
		return nil, nil, nil, fmt.Errorf("messaging provider solace is not built into this binary")
	default:
		mem := bus.NewMemoryBus(cfg.Partitions.QueueSize*cfg.Partitions.Count, log)
		return mem, mem, func() {}, nil
	}
}

func resolveTopics(cfg *config.Config) bus.Topics {
	topics := bus.DefaultTopics()
	t := cfg.Messaging.Topics
	if t.TradeEvents != "" {
		topics.TradeEvents = t.TradeEvents
	}
	if t.Backdated != "" {
		topics.Backdated = t.Backdated
	}
	if t.DLQ != "" {
		topics.DLQ = t.DLQ
	}
	if t.Errors != "" {
		topics.Errors = t.Errors
	}
	if t.Corrections != "" {
		topics.Corrections = t.Corrections
	}
	return topics
}
