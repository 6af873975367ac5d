package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/eqswap/positions-engine/internal/errs"
)

// KafkaConfig holds the franz-go binding settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
	ClientID      string   `yaml:"client_id"`
}

// KafkaProducer publishes with the record key as the partitioning key, so
// per-key ordering survives into downstream consumer groups.
type KafkaProducer struct {
	client *kgo.Client
}

// NewKafkaProducer connects a producer client.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaProducer{client: client}, nil
}

// Send publishes synchronously; delivery errors surface to the caller as
// transient so the dispatcher nacks and the trade is redelivered.
func (p *KafkaProducer) Send(ctx context.Context, topic, key string, payload []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errs.Newf(errs.KindTransient, "kafka produce to %s: %v", topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaProducer) Close() {
	p.client.Close()
}

// KafkaConsumer polls a consumer group and dispatches records by topic.
// Offsets commit only after the handler acknowledges, so an unhandled
// failure is redelivered after rebalance or restart.
type KafkaConsumer struct {
	cfg      KafkaConfig
	log      zerolog.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	client  *kgo.Client
	started bool
	done    chan struct{}
}

// NewKafkaConsumer prepares a consumer; the client connects at Start once
// the subscribed topic set is known.
func NewKafkaConsumer(cfg KafkaConfig, log zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:      cfg,
		log:      log.With().Str("component", "kafka-consumer").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Subscribe registers a handler for a topic. Must precede Start.
func (c *KafkaConsumer) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("subscribe %s: consumer already started", topic)
	}
	if _, dup := c.handlers[topic]; dup {
		return fmt.Errorf("subscribe %s: duplicate subscription", topic)
	}
	c.handlers[topic] = h
	return nil
}

// Start connects and begins the poll loop in a goroutine.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("consumer already started")
	}
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumerGroup(c.cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	}
	if c.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	c.client = client
	c.started = true
	c.done = make(chan struct{})

	go c.poll(ctx)
	return nil
}

// Stop closes the client and waits for the poll loop to exit.
func (c *KafkaConsumer) Stop() error {
	c.mu.Lock()
	client, done := c.client, c.done
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Close()
	<-done
	return nil
}

func (c *KafkaConsumer) poll(ctx context.Context) {
	defer close(c.done)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error().Err(err).Str("topic", topic).Int32("partition", partition).
				Msg("fetch error")
		})

		var acked []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			h, ok := c.handlers[rec.Topic]
			if !ok {
				return
			}
			if err := h(ctx, string(rec.Key), rec.Value); err != nil {
				// Leave uncommitted: the group redelivers from the last
				// committed offset. Later records on the same partition are
				// also held back, preserving per-key order.
				c.log.Warn().Err(err).Str("topic", rec.Topic).
					Msg("handler failed; offset not committed")
				return
			}
			acked = append(acked, rec)
		})

		if len(acked) > 0 {
			if err := c.client.CommitRecords(ctx, acked...); err != nil {
				c.log.Error().Err(err).Msg("commit failed; duplicates possible, idempotency absorbs them")
			}
		}
	}
}
