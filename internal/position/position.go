// Package position converts between the persisted snapshot shape and the
// in-memory aggregate, and applies trades to the aggregate. Both the hotpath
// (one trade at a time, strict status checking) and the coldpath (bulk
// replay, lenient status derivation) go through Apply, so the two paths can
// never drift apart on lot arithmetic.
package position

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/codec"
	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
	"github.com/eqswap/positions-engine/internal/lifecycle"
	"github.com/eqswap/positions-engine/internal/lotengine"
)

// FromSnapshot inflates a stored snapshot into the in-memory aggregate.
func FromSnapshot(snap *domain.Snapshot) (*domain.PositionState, error) {
	lots, err := codec.UnmarshalLots(snap.CompressedLots)
	if err != nil {
		return nil, err
	}
	return &domain.PositionState{
		PositionKey:   snap.PositionKey,
		Account:       snap.Account,
		Instrument:    snap.Instrument,
		Currency:      snap.Currency,
		Direction:     snap.Direction,
		ContractID:    snap.ContractID,
		OpenLots:      lots,
		Version:       snap.Version,
		Status:        snap.Status,
		Recon:         snap.Recon,
		ProvisionalID: snap.ProvisionalID,
	}, nil
}

// summaryMetrics is the denormalized rollup written on every snapshot.
type summaryMetrics struct {
	OpenLots        int             `json:"openLots"`
	TotalQty        decimal.Decimal `json:"totalQty"`
	LastRealizedPnL decimal.Decimal `json:"lastRealizedPnL"`
}

// ToSnapshot flattens the aggregate for persistence. lastVer is the highest
// event version applied; latestEffective the newest effective date;
// realized the realized P&L of the most recent application.
func ToSnapshot(state *domain.PositionState, lastVer uint64, latestEffective time.Time, realized decimal.Decimal) (*domain.Snapshot, error) {
	lots, err := codec.MarshalLots(state.OpenLots)
	if err != nil {
		return nil, err
	}
	metrics, err := json.Marshal(summaryMetrics{
		OpenLots:        len(state.OpenLots),
		TotalQty:        state.TotalQty(),
		LastRealizedPnL: realized,
	})
	if err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "marshal summary metrics: %v", err)
	}
	return &domain.Snapshot{
		PositionKey:     state.PositionKey,
		Account:         state.Account,
		Instrument:      state.Instrument,
		Currency:        state.Currency,
		Direction:       state.Direction,
		ContractID:      state.ContractID,
		Status:          state.Status,
		Recon:           state.Recon,
		ProvisionalID:   state.ProvisionalID,
		TotalQty:        state.TotalQty(),
		LastVer:         lastVer,
		CompressedLots:  lots,
		SummaryMetrics:  metrics,
		Version:         state.Version,
		LatestEffective: latestEffective,
	}, nil
}

// Outcome describes one applied trade.
type Outcome struct {
	Allocation    lotengine.Allocation
	QtyAfter      decimal.Decimal
	StatusChanged bool
	Closed        bool // DECREASE drove the position flat
}

// Apply mutates the aggregate with one trade. In strict mode the status
// machine gates the transition and a rejection leaves the state untouched;
// in lenient mode (coldpath replay) the lot math always runs and the status
// is derived from the resulting quantity, because re-sequenced history can
// legitimately present orderings the live machine would refuse.
func Apply(state *domain.PositionState, trade *domain.Trade, method domain.TaxLotMethod, strict bool) (Outcome, error) {
	delta := trade.SignedDelta()
	total := state.TotalQty()

	var qtyAfter decimal.Decimal
	if trade.IsAcquisition() {
		qtyAfter = total.Add(delta)
	} else {
		// Never over-close: the effective reduction caps at what is open.
		avail := total.Abs()
		reduce := decimal.Min(trade.Quantity.Abs(), avail)
		remaining := avail.Sub(reduce)
		qtyAfter = remaining
		if state.Direction == domain.DirectionShort {
			qtyAfter = remaining.Neg()
		}
	}

	if strict {
		result, err := lifecycle.Apply(state.Status, trade.TradeType, qtyAfter)
		if err != nil {
			return Outcome{}, errs.New(errs.KindStateViolation, err)
		}
		out := applyLots(state, trade, method, delta)
		state.Status = result.NewStatus
		out.QtyAfter = qtyAfter
		out.StatusChanged = result.StatusChanged
		out.Closed = result.NewStatus == domain.StatusTerminated && result.StatusChanged
		return out, nil
	}

	prevStatus := state.Status
	out := applyLots(state, trade, method, delta)
	out.QtyAfter = state.TotalQty()
	if out.QtyAfter.IsZero() && trade.TradeType == domain.TradeTypeDecrease {
		state.Status = domain.StatusTerminated
	} else {
		state.Status = domain.StatusActive
	}
	out.StatusChanged = state.Status != prevStatus
	out.Closed = state.Status == domain.StatusTerminated && out.StatusChanged
	return out, nil
}

func applyLots(state *domain.PositionState, trade *domain.Trade, method domain.TaxLotMethod, delta decimal.Decimal) Outcome {
	adoptIdentity(state, trade)

	var alloc lotengine.Allocation
	if trade.IsAcquisition() {
		// Lot identity derives from the trade so a replay rebuilds the same
		// ids and coldpath diffs stay meaningful.
		alloc = lotengine.AddLot(state, trade.TradeID, delta, trade.Price, trade.EffectiveDate, trade.SettlementDate)
	} else {
		alloc = lotengine.ReduceLots(state, trade.Quantity.Abs(), method, trade.Price)
	}
	return Outcome{Allocation: alloc}
}

// adoptIdentity fills the denormalized lookup fields the first time a trade
// touches a fresh aggregate.
func adoptIdentity(state *domain.PositionState, trade *domain.Trade) {
	if state.Account == "" {
		state.Account = trade.Account
	}
	if state.Instrument == "" {
		state.Instrument = trade.Instrument
	}
	if state.Currency == "" {
		state.Currency = trade.Currency
	}
	if state.Direction == "" {
		state.Direction = trade.NormalizedDirection()
	}
	if state.ContractID == "" {
		state.ContractID = trade.ContractID
	}
	if state.Recon == "" {
		state.Recon = domain.ReconReconciled
	}
}
