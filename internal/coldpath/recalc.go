// Package coldpath recalculates a position's history when a backdated trade
// arrives. The append-only log is never rewritten: the recalculation replays
// the full history with the late trade interleaved at its effective date and
// appends PROVISIONAL_TRADE_APPLIED, CORRECTION and
// HISTORICAL_POSITION_CORRECTED events at fresh versions.
package coldpath

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/bus"
	"github.com/eqswap/positions-engine/internal/cache"
	"github.com/eqswap/positions-engine/internal/codec"
	"github.com/eqswap/positions-engine/internal/contracts"
	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
	"github.com/eqswap/positions-engine/internal/position"
	"github.com/eqswap/positions-engine/internal/store"
	"github.com/eqswap/positions-engine/internal/validate"
)

// maxConflictRetries bounds recalculation restarts on optimistic-lock
// conflicts with a concurrent hotpath writer.
const maxConflictRetries = 3

// Result summarizes one completed recalculation.
type Result struct {
	PositionKey   string
	PriorTotalQty decimal.Decimal
	NewTotalQty   decimal.Decimal
	LotsAdded     []string
	LotsRemoved   []string
	Corrections   int
	SkippedEvents int // corrupt rows skipped during replay; position left PENDING
	Duplicate     bool
}

// Recalculator rebuilds position state for backdated trades.
type Recalculator struct {
	store         *store.Store
	cache         cache.Cache
	contracts     contracts.ContractService
	producer      bus.Producer
	topics        bus.Topics
	gate          *validate.Gate
	defaultMethod domain.TaxLotMethod
	cacheTTL      time.Duration
	log           zerolog.Logger
}

// New wires a recalculator.
func New(st *store.Store, c cache.Cache, svc contracts.ContractService, producer bus.Producer,
	topics bus.Topics, defaultMethod domain.TaxLotMethod, cacheTTL time.Duration, log zerolog.Logger) *Recalculator {
	return &Recalculator{
		store:         st,
		cache:         c,
		contracts:     svc,
		producer:      producer,
		topics:        topics,
		gate:          validate.New(),
		defaultMethod: defaultMethod,
		cacheTTL:      cacheTTL,
		log:           log.With().Str("component", "coldpath").Logger(),
	}
}

// Process recalculates one position for one backdated trade. The snapshot is
// marked PROVISIONAL while the rebuild runs so readers know the current view
// is about to be superseded.
func (r *Recalculator) Process(ctx context.Context, trade *domain.Trade) (Result, error) {
	seen, rec, err := r.store.Idempotency.Check(ctx, trade.TradeID)
	if err != nil {
		return Result{}, errs.New(errs.KindTransient, err)
	}
	if seen {
		r.log.Debug().Str("trade_id", trade.TradeID).Msg("duplicate backdated trade ignored")
		return Result{PositionKey: rec.PositionKey, Duplicate: true}, nil
	}
	if trade.PositionKey == "" {
		return Result{}, errs.Newf(errs.KindInvalidArgument, "backdated trade %s has no position key", trade.TradeID)
	}

	// The hotpath reroutes before its gate runs, so a backdated trade arrives
	// here unvalidated. A malformed one must not enter the log.
	if rej := r.gate.CheckFields(trade); rej.Failed() {
		r.recordFailure(ctx, trade)
		return Result{}, errs.Newf(rej.Kind, "backdated trade %s rejected: %s", trade.TradeID, strings.Join(rej.Errors, "; "))
	}

	var res Result
	for attempt := 1; ; attempt++ {
		res, err = r.recalculate(ctx, trade)
		if err == nil || !errors.Is(err, store.ErrVersionConflict) {
			break
		}
		if attempt >= maxConflictRetries {
			return Result{}, errs.New(errs.KindVersionConflict, err)
		}
		r.log.Warn().Str("position_key", trade.PositionKey).Int("attempt", attempt).
			Msg("recalculation lost optimistic lock, restarting")
	}
	if err != nil {
		return Result{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	r.log.Info().
		Str("trade_id", trade.TradeID).
		Str("position_key", res.PositionKey).
		Str("prior_qty", res.PriorTotalQty.String()).
		Str("new_qty", res.NewTotalQty.String()).
		Int("corrections", res.Corrections).
		Int("skipped", res.SkippedEvents).
		Msg("backdated trade reconciled")
	return res, nil
}

func (r *Recalculator) recalculate(ctx context.Context, trade *domain.Trade) (Result, error) {
	snap, err := r.store.Snapshots.Load(ctx, trade.PositionKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, errs.New(errs.KindTransient, err)
	}

	// Phase 1: flag the position PROVISIONAL so concurrent readers see the
	// rebuild in flight. A missing snapshot means the backdated trade raced
	// ahead of any current-dated activity; the rebuild starts from empty.
	if snap != nil {
		snap.Recon = domain.ReconProvisional
		snap.ProvisionalID = trade.TradeID
		if err := r.store.Snapshots.Save(ctx, snap); err != nil {
			return Result{}, err
		}
		_ = r.cache.Evict(ctx, cache.PositionKeyPrefix+trade.PositionKey)
	}

	history, err := r.store.Events.List(ctx, trade.PositionKey)
	if err != nil {
		return Result{}, errs.New(errs.KindTransient, err)
	}

	// Phase 2: replay with the late trade interleaved at its effective date.
	// Events sharing the trade's effective date occurred earlier in
	// transaction time and stay ahead of it.
	before, after := splitAt(history, trade.EffectiveDate)

	state := domain.NewPositionState(trade.PositionKey)
	methodFor := func(contractID string) domain.TaxLotMethod {
		return contracts.Resolve(ctx, r.contracts, contractID, r.defaultMethod).TaxLotMethod
	}

	report := position.Replay(before, state, methodFor)
	if _, err := position.Apply(state, trade, methodFor(trade.ContractID), false); err != nil {
		return Result{}, err
	}
	tail := position.Replay(after, state, methodFor)
	report.Skipped = append(report.Skipped, tail.Skipped...)

	latestEffective := trade.EffectiveDate
	for i := range history {
		if history[i].EffectiveDate.After(latestEffective) {
			latestEffective = history[i].EffectiveDate
		}
	}

	// Phase 3: diff against the prior view and commit the correction events,
	// the rebuilt snapshot and the idempotency record atomically.
	summary, priorKnown := diff(snap, state, trade.TradeID)

	var res Result
	duplicate := errors.New("idempotency race lost")
	err = r.store.WithinTx(ctx, func(tx *store.Store) error {
		ver, err := tx.Events.NextVersion(ctx, trade.PositionKey)
		if err != nil {
			return errs.New(errs.KindTransient, err)
		}
		now := time.Now().UTC()

		payload, err := codec.MarshalTrade(trade)
		if err != nil {
			return err
		}
		provisionalEv := domain.Event{
			PositionKey:   trade.PositionKey,
			EventVer:      ver,
			EventType:     domain.EventProvisional,
			EffectiveDate: trade.EffectiveDate,
			OccurredAt:    now,
			Payload:       payload,
			CorrelationID: trade.CorrelationID,
			CausationID:   trade.CausationID,
			ContractID:    trade.ContractID,
			UserID:        trade.UserID,
		}
		if err := tx.Events.Append(ctx, &provisionalEv); err != nil {
			return err
		}
		lastVer := ver

		for _, lc := range lotCorrections(summary) {
			data, err := codec.MarshalLotCorrection(&lc)
			if err != nil {
				return err
			}
			lastVer++
			corrEv := provisionalEv
			corrEv.EventVer = lastVer
			corrEv.EventType = domain.EventCorrection
			corrEv.Payload = data
			corrEv.CausationID = trade.TradeID
			if err := tx.Events.Append(ctx, &corrEv); err != nil {
				return err
			}
		}
		summary.CorrectionsEmitted = int(lastVer - ver)

		histPayload, err := codec.MarshalCorrection(summary)
		if err != nil {
			return err
		}
		lastVer++
		histEv := provisionalEv
		histEv.EventVer = lastVer
		histEv.EventType = domain.EventHistCorrected
		histEv.Payload = histPayload
		histEv.CausationID = trade.TradeID
		if err := tx.Events.Append(ctx, &histEv); err != nil {
			return err
		}

		state.Recon = domain.ReconReconciled
		state.ProvisionalID = ""
		if len(report.Skipped) > 0 {
			state.Recon = domain.ReconPending
		}
		if snap != nil {
			state.Version = snap.Version
		}
		next, err := position.ToSnapshot(state, lastVer, latestEffective, report.RealizedPnL.Add(tail.RealizedPnL))
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

		if err := r.reconcileBreaks(ctx, tx, trade, summary, priorKnown, report.Skipped); err != nil {
			return err
		}

		if err := tx.UPI.Append(ctx, trade.PositionKey, domain.UPICorrected, lastVer, trade.UserID); err != nil {
			return errs.New(errs.KindTransient, err)
		}

		res = Result{
			PositionKey:   trade.PositionKey,
			PriorTotalQty: summary.PriorTotalQty,
			NewTotalQty:   summary.NewTotalQty,
			LotsAdded:     summary.LotsAdded,
			LotsRemoved:   summary.LotsRemoved,
			Corrections:   summary.CorrectionsEmitted,
			SkippedEvents: len(report.Skipped),
		}
		snap = next
		return nil
	})
	if errors.Is(err, duplicate) {
		return Result{PositionKey: trade.PositionKey, Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if err := r.cache.Put(ctx, cache.PositionKeyPrefix+trade.PositionKey, snap, r.cacheTTL); err != nil {
		r.log.Warn().Err(err).Str("position_key", trade.PositionKey).Msg("cache refresh failed")
	}

	data, err := codec.MarshalCorrection(summary)
	if err == nil {
		if err := r.producer.Send(ctx, r.topics.Corrections, trade.PositionKey, data); err != nil {
			// The durable state already converged; downstream catches up from
			// the event log if the notification is lost.
			r.log.Warn().Err(err).Str("position_key", trade.PositionKey).Msg("correction notification failed")
		}
	}
	return res, nil
}

// recordFailure best-effort records a terminal rejection so redeliveries of
// the same trade id short-circuit at the dedupe check.
func (r *Recalculator) recordFailure(ctx context.Context, trade *domain.Trade) {
	if trade.TradeID == "" {
		return
	}
	err := r.store.Idempotency.Record(ctx, trade.TradeID, trade.PositionKey, 0, store.IdemFailed)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		r.log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to record rejection")
	}
}

// reconcileBreaks opens a break for a quantity-changing recalculation and a
// second one per corrupt event skipped, then closes all open breaks when the
// rebuild converged cleanly with no quantity change.
func (r *Recalculator) reconcileBreaks(ctx context.Context, tx *store.Store, trade *domain.Trade,
	summary *codec.CorrectionSummary, priorKnown bool, skipped []position.SkippedEvent) error {
	delta := summary.NewTotalQty.Sub(summary.PriorTotalQty)
	if priorKnown && !delta.IsZero() {
		if _, err := tx.Breaks.RecordBreak(ctx, trade.PositionKey,
			"backdated trade "+trade.TradeID+" changed position quantity", delta); err != nil {
			return errs.New(errs.KindTransient, err)
		}
		return nil
	}
	for range skipped {
		if _, err := tx.Breaks.RecordBreak(ctx, trade.PositionKey,
			"corrupt event skipped during recalculation for trade "+trade.TradeID, decimal.Zero); err != nil {
			return errs.New(errs.KindTransient, err)
		}
	}
	if len(skipped) == 0 {
		if _, err := tx.Breaks.ResolveForPosition(ctx, trade.PositionKey); err != nil {
			return errs.New(errs.KindTransient, err)
		}
	}
	return nil
}

// splitAt partitions canonically-ordered history around an effective date.
// Events effective on or before the date replay ahead of the late trade.
func splitAt(history []domain.Event, effective time.Time) (before, after []domain.Event) {
	cut := len(history)
	for i := range history {
		if history[i].EffectiveDate.After(effective) {
			cut = i
			break
		}
	}
	return history[:cut], history[cut:]
}

// diff compares the rebuilt state against the prior snapshot's lots.
func diff(prior *domain.Snapshot, rebuilt *domain.PositionState, provisionalID string) (*codec.CorrectionSummary, bool) {
	summary := &codec.CorrectionSummary{
		ProvisionalTradeID: provisionalID,
		NewTotalQty:        rebuilt.TotalQty(),
		PriorTotalQty:      decimal.Zero,
	}

	priorLots := map[string]bool{}
	priorKnown := prior != nil
	if prior != nil {
		summary.PriorTotalQty = prior.TotalQty
		if lots, err := codec.UnmarshalLots(prior.CompressedLots); err == nil {
			for _, lot := range lots {
				priorLots[lot.ID] = true
			}
		}
	}

	rebuiltLots := map[string]bool{}
	for _, lot := range rebuilt.OpenLots {
		rebuiltLots[lot.ID] = true
		if !priorLots[lot.ID] {
			summary.LotsAdded = append(summary.LotsAdded, lot.ID)
		}
	}
	for id := range priorLots {
		if !rebuiltLots[id] {
			summary.LotsRemoved = append(summary.LotsRemoved, id)
		}
	}
	return summary, priorKnown
}

func lotCorrections(summary *codec.CorrectionSummary) []codec.LotCorrection {
	out := make([]codec.LotCorrection, 0, len(summary.LotsAdded)+len(summary.LotsRemoved))
	for _, id := range summary.LotsAdded {
		out = append(out, codec.LotCorrection{LotID: id, Change: codec.LotAdded, ProvisionalTradeID: summary.ProvisionalTradeID})
	}
	for _, id := range summary.LotsRemoved {
		out = append(out, codec.LotCorrection{LotID: id, Change: codec.LotRemoved, ProvisionalTradeID: summary.ProvisionalTradeID})
	}
	return out
}
