// Package dispatch fans consumed trade messages out to a fixed pool of
// partition workers. A position key always maps to the same worker, so no
// two trades for one key are ever in flight together, which is what lets the
// aggregate and the optimistic locks stay simple.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eqswap/positions-engine/internal/bus"
	"github.com/eqswap/positions-engine/internal/codec"
	"github.com/eqswap/positions-engine/internal/coldpath"
	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
	"github.com/eqswap/positions-engine/internal/hotpath"
	"github.com/eqswap/positions-engine/internal/poskey"
)

// DefaultQueueSize bounds each worker's backlog; a full queue blocks the
// consumer, pushing backpressure onto the bus.
const DefaultQueueSize = 64

// processFunc applies one decoded trade. Both paths fit this shape.
type processFunc func(ctx context.Context, trade *domain.Trade) error

type job struct {
	ctx   context.Context
	trade *domain.Trade
	run   processFunc
	done  chan error
}

// Dispatcher routes messages from the trade and backdated topics to partition
// workers and converts processing errors into bus outcomes: terminal
// failures go to the DLQ, unclassified ones to the errors topic, transient
// ones back to the bus for redelivery.
type Dispatcher struct {
	hot        processFunc
	cold       processFunc
	producer   bus.Producer
	topics     bus.Topics
	partitions int
	queues     []chan job
	wg         sync.WaitGroup
	stopOnce   sync.Once
	log        zerolog.Logger
}

// New builds a dispatcher with one worker per partition.
func New(hot *hotpath.Processor, cold *coldpath.Recalculator, producer bus.Producer,
	topics bus.Topics, partitions, queueSize int, log zerolog.Logger) *Dispatcher {
	if partitions <= 0 {
		partitions = poskey.DefaultPartitions
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		hot: func(ctx context.Context, t *domain.Trade) error {
			_, err := hot.Process(ctx, t)
			return err
		},
		cold: func(ctx context.Context, t *domain.Trade) error {
			_, err := cold.Process(ctx, t)
			return err
		},
		producer:   producer,
		topics:     topics,
		partitions: partitions,
		queues:     make([]chan job, partitions),
		log:        log.With().Str("component", "dispatch").Logger(),
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, queueSize)
	}
	return d
}

// Register subscribes the dispatcher's handlers on the consumer. Must be
// called before the consumer starts.
func (d *Dispatcher) Register(c bus.Consumer) error {
	if err := c.Subscribe(d.topics.TradeEvents, d.handler(d.hot)); err != nil {
		return fmt.Errorf("subscribe %s: %w", d.topics.TradeEvents, err)
	}
	if err := c.Subscribe(d.topics.Backdated, d.handler(d.cold)); err != nil {
		return fmt.Errorf("subscribe %s: %w", d.topics.Backdated, err)
	}
	return nil
}

// Start launches the partition workers.
func (d *Dispatcher) Start() {
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.Info().Int("partitions", d.partitions).Msg("dispatcher started")
}

// Stop closes the queues and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker(idx int) {
	defer d.wg.Done()
	for j := range d.queues[idx] {
		j.done <- j.run(j.ctx, j.trade)
	}
}

// handler adapts a processFunc to the bus contract: decode, partition,
// process on the owning worker, then route the outcome.
func (d *Dispatcher) handler(run processFunc) bus.Handler {
	return func(ctx context.Context, key string, value []byte) error {
		trade, err := decodeTrade(value)
		if err != nil {
			d.deadLetter(ctx, &domain.Trade{TradeID: "unparseable"}, value, err)
			return nil
		}
		if trade.PositionKey == "" && key != "" {
			trade.PositionKey = key
		}
		if trade.PositionKey == "" {
			if k, kerr := poskey.FromTrade(trade); kerr == nil {
				trade.PositionKey = k
			}
		}

		part := poskey.Partition(trade.PositionKey, d.partitions)
		j := job{ctx: ctx, trade: trade, run: run, done: make(chan error, 1)}
		select {
		case d.queues[part] <- j:
		case <-ctx.Done():
			return errs.New(errs.KindTransient, ctx.Err())
		}
		select {
		case err = <-j.done:
		case <-ctx.Done():
			return errs.New(errs.KindTransient, ctx.Err())
		}
		return d.route(ctx, trade, value, err)
	}
}

// route converts a processing error into the bus outcome.
func (d *Dispatcher) route(ctx context.Context, trade *domain.Trade, raw []byte, err error) error {
	if err == nil {
		return nil
	}
	switch kind := errs.KindOf(err); kind {
	case errs.KindTransient, errs.KindVersionConflict:
		d.log.Warn().Err(err).Str("trade_id", trade.TradeID).Str("kind", kind.String()).
			Msg("transient failure, message redelivered")
		return err
	case errs.KindInvalidArgument, errs.KindStateViolation, errs.KindDataCorruption:
		d.deadLetter(ctx, trade, raw, err)
		return nil
	default:
		d.errorOut(ctx, trade, raw, err)
		return nil
	}
}

// deadLetter publishes a rejection notice and acknowledges the message.
func (d *Dispatcher) deadLetter(ctx context.Context, trade *domain.Trade, raw []byte, cause error) {
	notice := &codec.RejectionNotice{
		TradeID:       trade.TradeID,
		PositionKey:   trade.PositionKey,
		ErrorType:     errs.KindOf(cause).String(),
		Errors:        []string{cause.Error()},
		CorrelationID: trade.CorrelationID,
		RawTrade:      rawMessage(raw),
	}
	if err := d.producer.Send(ctx, d.topics.DLQ, trade.PositionKey, codec.MarshalRejection(notice)); err != nil {
		d.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("dead letter publish failed")
		return
	}
	d.log.Warn().Str("trade_id", trade.TradeID).Str("error_type", notice.ErrorType).
		Msg("trade dead-lettered")
}

// errorOut publishes unclassified failures for operator triage. These are
// acked: redelivering an unknown failure forever helps nobody.
func (d *Dispatcher) errorOut(ctx context.Context, trade *domain.Trade, raw []byte, cause error) {
	notice := &codec.RejectionNotice{
		TradeID:       trade.TradeID,
		PositionKey:   trade.PositionKey,
		ErrorType:     errs.KindOf(cause).String(),
		Errors:        []string{cause.Error()},
		CorrelationID: trade.CorrelationID,
		RawTrade:      rawMessage(raw),
	}
	if err := d.producer.Send(ctx, d.topics.Errors, trade.PositionKey, codec.MarshalRejection(notice)); err != nil {
		d.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("error topic publish failed")
		return
	}
	d.log.Error().Err(cause).Str("trade_id", trade.TradeID).Msg("trade routed to errors topic")
}

// rawMessage attaches the inbound bytes to a notice. Undecodable payloads
// are not valid JSON and would poison the notice itself, so they ride along
// as a quoted string instead.
func rawMessage(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}

func decodeTrade(value []byte) (*domain.Trade, error) {
	trade, err := codec.UnmarshalTrade(value)
	if err != nil {
		return nil, errs.Newf(errs.KindInvalidArgument, "decode inbound trade: %v", err)
	}
	if trade.TradeID == "" {
		return nil, errs.Newf(errs.KindInvalidArgument, "inbound trade has no tradeId")
	}
	return trade, nil
}
