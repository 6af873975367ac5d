// Package hotpath processes current-dated and forward-dated trades end to
// end: dedupe, key derivation, dating, validation, lot mutation, and the
// atomic event/snapshot/idempotency commit. Backdated trades are re-routed to
// the coldpath topic untouched.
package hotpath

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/bus"
	"github.com/eqswap/positions-engine/internal/cache"
	"github.com/eqswap/positions-engine/internal/classify"
	"github.com/eqswap/positions-engine/internal/codec"
	"github.com/eqswap/positions-engine/internal/contracts"
	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
	"github.com/eqswap/positions-engine/internal/poskey"
	"github.com/eqswap/positions-engine/internal/position"
	"github.com/eqswap/positions-engine/internal/store"
	"github.com/eqswap/positions-engine/internal/validate"
)

// maxConflictRetries bounds in-place retries on optimistic-lock conflicts
// before the message is handed back to the bus.
const maxConflictRetries = 3

// Result summarizes one processed trade for logging and tests.
type Result struct {
	PositionKey string
	EventVer    uint64
	QtyAfter    decimal.Decimal
	Duplicate   bool // trade id already in the idempotency ledger
	Rerouted    bool // backdated, forwarded to the coldpath topic
	Closed      bool
}

// Processor owns the hotpath sequence for one engine instance. It is safe for
// concurrent use across distinct position keys; the dispatcher guarantees
// per-key serialization.
type Processor struct {
	store         *store.Store
	cache         cache.Cache
	contracts     contracts.ContractService
	producer      bus.Producer
	topics        bus.Topics
	gate          *validate.Gate
	classifier    *classify.Classifier
	defaultMethod domain.TaxLotMethod
	cacheTTL      time.Duration
	log           zerolog.Logger
}

// New wires a processor. contracts may be nil, in which case every position
// falls back to the default tax-lot method.
func New(st *store.Store, c cache.Cache, svc contracts.ContractService, producer bus.Producer,
	topics bus.Topics, classifier *classify.Classifier, defaultMethod domain.TaxLotMethod,
	cacheTTL time.Duration, log zerolog.Logger) *Processor {
	return &Processor{
		store:         st,
		cache:         c,
		contracts:     svc,
		producer:      producer,
		topics:        topics,
		gate:          validate.New(),
		classifier:    classifier,
		defaultMethod: defaultMethod,
		cacheTTL:      cacheTTL,
		log:           log.With().Str("component", "hotpath").Logger(),
	}
}

// Process runs the full hotpath for one decoded trade. A nil error means the
// trade reached a terminal state (applied, deduplicated, or re-routed);
// returned errors carry a kind so the dispatcher can route them.
func (p *Processor) Process(ctx context.Context, trade *domain.Trade) (Result, error) {
	seen, rec, err := p.store.Idempotency.Check(ctx, trade.TradeID)
	if err != nil {
		return Result{}, errs.New(errs.KindTransient, err)
	}
	if seen {
		p.log.Debug().Str("trade_id", trade.TradeID).Str("status", string(rec.Status)).
			Msg("duplicate trade ignored")
		return Result{PositionKey: rec.PositionKey, EventVer: rec.EventVer, Duplicate: true}, nil
	}

	if trade.PositionKey == "" {
		key, err := poskey.FromTrade(trade)
		if err != nil {
			return Result{}, errs.New(errs.KindInvalidArgument, err)
		}
		trade.PositionKey = key
	}

	snap, err := p.loadSnapshot(ctx, trade.PositionKey)
	if err != nil {
		return Result{}, err
	}

	// The label rides along in the persisted payload so downstream readers
	// can tell a forward-dated application from a current one.
	trade.Dating = p.classifier.Classify(trade, snap)
	if trade.Dating == domain.DatingBackdate {
		return p.reroute(ctx, trade)
	}

	currentStatus := domain.StatusNonExistent
	if snap != nil {
		currentStatus = snap.Status
	}
	if rej := p.gate.Check(trade, currentStatus); rej.Failed() {
		p.recordFailure(ctx, trade)
		return Result{}, errs.Newf(rej.Kind, "trade %s rejected: %s", trade.TradeID, strings.Join(rej.Errors, "; "))
	}

	rules := contracts.Resolve(ctx, p.contracts, trade.ContractID, p.defaultMethod)

	var res Result
	for attempt := 1; ; attempt++ {
		res, err = p.commit(ctx, trade, snap, rules.TaxLotMethod)
		if err == nil || !errors.Is(err, store.ErrVersionConflict) {
			break
		}
		if attempt >= maxConflictRetries {
			return Result{}, errs.New(errs.KindVersionConflict, err)
		}
		p.log.Warn().Str("position_key", trade.PositionKey).Int("attempt", attempt).
			Msg("optimistic lock conflict, reloading")
		_ = p.cache.Evict(ctx, cache.PositionKeyPrefix+trade.PositionKey)
		if err := sleepBackoff(ctx, attempt); err != nil {
			return Result{}, errs.New(errs.KindTransient, err)
		}
		if snap, err = p.loadSnapshot(ctx, trade.PositionKey); err != nil {
			return Result{}, err
		}
	}
	if err != nil {
		return Result{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	p.log.Info().
		Str("trade_id", trade.TradeID).
		Str("position_key", res.PositionKey).
		Uint64("event_ver", res.EventVer).
		Str("qty_after", res.QtyAfter.String()).
		Bool("closed", res.Closed).
		Msg("trade applied")
	return res, nil
}

// commit applies the trade to the aggregate and writes the
// event/snapshot/idempotency triad in one transaction. Returns
// store.ErrVersionConflict (unwrapped kind) when another writer got there
// first.
func (p *Processor) commit(ctx context.Context, trade *domain.Trade, snap *domain.Snapshot, method domain.TaxLotMethod) (Result, error) {
	state, priorStatus, latestEffective, err := stateFrom(snap, trade.PositionKey)
	if err != nil {
		return Result{}, err
	}

	out, err := position.Apply(state, trade, method, true)
	if err != nil {
		p.recordFailure(ctx, trade)
		return Result{}, err // carries KindStateViolation
	}
	if trade.EffectiveDate.After(latestEffective) {
		latestEffective = trade.EffectiveDate
	}

	payload, err := codec.MarshalTrade(trade)
	if err != nil {
		return Result{}, err
	}

	var res Result
	duplicate := errors.New("idempotency race lost")
	err = p.store.WithinTx(ctx, func(tx *store.Store) error {
		ver, err := tx.Events.NextVersion(ctx, trade.PositionKey)
		if err != nil {
			return errs.New(errs.KindTransient, err)
		}
		now := time.Now().UTC()
		ev := domain.Event{
			PositionKey:   trade.PositionKey,
			EventVer:      ver,
			EventType:     domain.EventTypeForTrade(trade.TradeType),
			EffectiveDate: trade.EffectiveDate,
			OccurredAt:    now,
			Payload:       payload,
			MetaLots:      out.Allocation.MetaLots(),
			CorrelationID: trade.CorrelationID,
			CausationID:   trade.CausationID,
			ContractID:    trade.ContractID,
			UserID:        trade.UserID,
		}
		if err := tx.Events.Append(ctx, &ev); err != nil {
			return err
		}

		lastVer := ver
		if out.Closed {
			lastVer = ver + 1
			closeEv := ev
			closeEv.EventVer = lastVer
			closeEv.EventType = domain.EventPositionClosed
			closeEv.MetaLots = nil
			closeEv.CausationID = trade.TradeID
			if err := tx.Events.Append(ctx, &closeEv); err != nil {
				return err
			}
		}

		next, err := position.ToSnapshot(state, lastVer, latestEffective, out.Allocation.RealizedPnL)
		if err != nil {
			return err
		}
		if err := tx.Snapshots.Save(ctx, next); err != nil {
			return err
		}

		if err := tx.Idempotency.Record(ctx, trade.TradeID, trade.PositionKey, ver, store.IdemProcessed); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return duplicate
			}
			return errs.New(errs.KindTransient, err)
		}

		if out.StatusChanged {
			action := upiAction(out, priorStatus)
			if err := tx.UPI.Append(ctx, trade.PositionKey, action, lastVer, trade.UserID); err != nil {
				return errs.New(errs.KindTransient, err)
			}
			regType := ev.EventType
			if out.Closed {
				regType = domain.EventPositionClosed
			}
			if _, err := tx.Regulatory.Enqueue(ctx, trade.PositionKey, lastVer, regType); err != nil {
				return errs.New(errs.KindTransient, err)
			}
		}

		res = Result{
			PositionKey: trade.PositionKey,
			EventVer:    lastVer,
			QtyAfter:    out.QtyAfter,
			Closed:      out.Closed,
		}
		// Cache write happens after commit; stash the committed view.
		snap = next
		return nil
	})
	if errors.Is(err, duplicate) {
		p.log.Debug().Str("trade_id", trade.TradeID).Msg("lost idempotency race, treating as duplicate")
		return Result{PositionKey: trade.PositionKey, Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if err := p.cache.Put(ctx, cache.PositionKeyPrefix+trade.PositionKey, snap, p.cacheTTL); err != nil {
		p.log.Warn().Err(err).Str("position_key", trade.PositionKey).Msg("cache refresh failed")
	}
	return res, nil
}

// reroute forwards a backdated trade to the coldpath topic with its dating
// label attached.
func (p *Processor) reroute(ctx context.Context, trade *domain.Trade) (Result, error) {
	payload, err := codec.MarshalTrade(trade)
	if err != nil {
		return Result{}, err
	}
	if err := p.producer.Send(ctx, p.topics.Backdated, trade.PositionKey, payload); err != nil {
		return Result{}, errs.New(errs.KindTransient, fmt.Errorf("reroute backdated trade %s: %w", trade.TradeID, err))
	}
	p.log.Info().Str("trade_id", trade.TradeID).Str("position_key", trade.PositionKey).
		Msg("backdated trade rerouted to coldpath")
	return Result{PositionKey: trade.PositionKey, Rerouted: true}, nil
}

// loadSnapshot consults the cache first, then the snapshot store. A nil
// snapshot with nil error means the position does not exist yet.
func (p *Processor) loadSnapshot(ctx context.Context, key string) (*domain.Snapshot, error) {
	var cached domain.Snapshot
	if ok, err := p.cache.Get(ctx, cache.PositionKeyPrefix+key, &cached); err == nil && ok {
		return &cached, nil
	}
	snap, err := p.store.Snapshots.Load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindTransient, err)
	}
	return snap, nil
}

// recordFailure best-effort records a terminal rejection so redeliveries of
// the same trade id short-circuit at the dedupe check.
func (p *Processor) recordFailure(ctx context.Context, trade *domain.Trade) {
	if trade.TradeID == "" {
		return
	}
	err := p.store.Idempotency.Record(ctx, trade.TradeID, trade.PositionKey, 0, store.IdemFailed)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		p.log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to record rejection")
	}
}

func stateFrom(snap *domain.Snapshot, key string) (*domain.PositionState, domain.PositionStatus, time.Time, error) {
	if snap == nil {
		return domain.NewPositionState(key), domain.StatusNonExistent, time.Time{}, nil
	}
	state, err := position.FromSnapshot(snap)
	if err != nil {
		return nil, "", time.Time{}, err // KindDataCorruption from the codec
	}
	return state, snap.Status, snap.LatestEffective, nil
}

func upiAction(out position.Outcome, prior domain.PositionStatus) domain.UPIAction {
	switch {
	case out.Closed:
		return domain.UPITerminated
	case prior == domain.StatusTerminated:
		return domain.UPIReopened
	default:
		return domain.UPICreated
	}
}

// sleepBackoff waits attempt*25ms plus jitter, honoring cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt)*25*time.Millisecond + time.Duration(rand.Intn(10))*time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
