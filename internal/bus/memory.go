package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eqswap/positions-engine/internal/errs"
)

// MemoryBus is a single-process bus over buffered channels. It preserves
// per-topic FIFO order and redelivers a message in place while its handler
// keeps failing transiently, which mirrors the at-least-once contract of the
// real brokers. Topics without a subscriber act as writable sinks (DLQ,
// retry queues), retaining messages for inspection.
type MemoryBus struct {
	mu       sync.Mutex
	queues   map[string]chan message
	handlers map[string]Handler
	sinks    map[string][]message
	depth    int
	backoff  time.Duration
	log      zerolog.Logger

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type message struct {
	key   string
	value []byte
}

// NewMemoryBus creates a bus whose per-topic queues hold up to depth
// messages. Send blocks when a queue is full, which is the backpressure the
// dispatcher relies on.
func NewMemoryBus(depth int, log zerolog.Logger) *MemoryBus {
	if depth <= 0 {
		depth = 1024
	}
	return &MemoryBus{
		queues:   make(map[string]chan message),
		handlers: make(map[string]Handler),
		sinks:    make(map[string][]message),
		depth:    depth,
		backoff:  50 * time.Millisecond,
		log:      log.With().Str("component", "membus").Logger(),
	}
}

// Send publishes to a topic. Subscribed topics enqueue for delivery;
// unsubscribed topics retain into the sink.
func (b *MemoryBus) Send(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	q, subscribed := b.queues[topic]
	if !subscribed {
		b.sinks[topic] = append(b.sinks[topic], message{key: key, value: payload})
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case q <- message{key: key, value: payload}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", topic, ctx.Err())
	}
}

// Subscribe registers the handler for a topic. Must precede Start.
func (b *MemoryBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("subscribe %s: bus already started", topic)
	}
	if _, dup := b.handlers[topic]; dup {
		return fmt.Errorf("subscribe %s: duplicate subscription", topic)
	}
	b.handlers[topic] = h
	b.queues[topic] = make(chan message, b.depth)
	return nil
}

// Start launches one delivery goroutine per subscribed topic.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bus already started")
	}
	b.started = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for topic, h := range b.handlers {
		b.wg.Add(1)
		go b.deliver(runCtx, topic, b.queues[topic], h)
	}
	return nil
}

// Stop halts delivery and waits for in-flight handlers.
func (b *MemoryBus) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}

// Sink returns the retained messages of an unsubscribed topic. Tests and
// operator tooling read DLQ contents through it.
func (b *MemoryBus) Sink(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.sinks[topic]
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.value
	}
	return out
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, q chan message, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			// Redeliver in place on transient or version-conflict failure so
			// per-topic order holds, matching the Kafka binding's uncommitted
			// offset; anything else is the handler's problem and is dropped
			// here (it already routed to DLQ or errors).
			for {
				err := h(ctx, msg.key, msg.value)
				if err == nil {
					break
				}
				if kind := errs.KindOf(err); kind != errs.KindTransient && kind != errs.KindVersionConflict {
					b.log.Error().Err(err).Str("topic", topic).Str("key", msg.key).
						Msg("handler failed terminally; message dropped after routing")
					break
				}
				b.log.Warn().Err(err).Str("topic", topic).Str("key", msg.key).
					Msg("transient handler failure; redelivering")
				select {
				case <-time.After(b.backoff):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
