// Package lotengine contains the pure tax-lot arithmetic: lot creation,
// reduction by FIFO/LIFO/HIFO, realized P&L and schedule maintenance.
// Functions mutate only the PositionState they are given and perform no I/O,
// which is what lets the coldpath replay history through the same code the
// hotpath uses.
//
// All arithmetic is arbitrary-precision decimal. No rounding happens here;
// display scale is the caller's concern.
package lotengine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
)

// Entry records one lot touched by an allocation.
type Entry struct {
	LotID       string          `json:"lotId"`
	Quantity    decimal.Decimal `json:"qty"` // magnitude consumed or created
	ClosePrice  decimal.Decimal `json:"closePrice,omitempty"`
	RealizedPnL decimal.Decimal `json:"realizedPnL,omitempty"`
}

// Allocation is the outcome of an AddLot or ReduceLots call.
// FullyAllocated is false when a reduction requested more quantity than the
// open lots held; the engine allocates what is available and never
// over-closes.
type Allocation struct {
	Entries        []Entry
	RealizedPnL    decimal.Decimal
	FullyAllocated bool
}

// MetaLots renders the allocation as the audit map persisted on events.
func (a Allocation) MetaLots() map[string]string {
	if len(a.Entries) == 0 {
		return nil
	}
	m := make(map[string]string, len(a.Entries))
	for _, e := range a.Entries {
		m[e.LotID] = e.Quantity.String()
	}
	return m
}

// AddLot appends a new open lot to the position. qty is signed: positive for
// LONG, negative for SHORT. Cost basis and reference price both start at the
// trade price. The price/quantity schedule gains (or replaces) the entry for
// tradeDate and stays sorted.
//
// lotID names the new lot; callers pass the creating trade's id so a replay
// reproduces the same lot identities. An empty id falls back to a random one.
func AddLot(state *domain.PositionState, lotID string, qty, price decimal.Decimal, tradeDate time.Time, settlementDate *time.Time) Allocation {
	if lotID == "" {
		lotID = uuid.NewString()
	}
	lot := domain.TaxLot{
		ID:              lotID,
		TradeDate:       tradeDate,
		SettlementDate:  settlementDate,
		OriginalQty:     qty,
		RemainingQty:    qty,
		CostBasis:       price,
		CurrentRefPrice: price,
		SettledQuantity: decimal.Zero,
	}
	state.OpenLots = append(state.OpenLots, lot)
	upsertSchedulePoint(state, domain.SchedulePoint{Date: tradeDate, Quantity: qty, Price: price})

	return Allocation{
		Entries:        []Entry{{LotID: lot.ID, Quantity: qty.Abs()}},
		RealizedPnL:    decimal.Zero,
		FullyAllocated: true,
	}
}

// ReduceLots consumes open lots in the order the method dictates until
// qtyToReduce (a positive magnitude) is satisfied or the lots run out.
// Fully consumed lots are removed; a partially consumed lot is replaced by a
// copy with the smaller remaining quantity. Realized P&L per entry is
// (close − cost) × qty for LONG and (cost − close) × qty for SHORT.
func ReduceLots(state *domain.PositionState, qtyToReduce decimal.Decimal, method domain.TaxLotMethod, closePrice decimal.Decimal) Allocation {
	remaining := qtyToReduce.Abs()
	short := state.Direction == domain.DirectionShort

	order := allocationOrder(state.OpenLots, method)

	alloc := Allocation{RealizedPnL: decimal.Zero, FullyAllocated: true}
	consumed := make(map[int]decimal.Decimal, len(order))

	for _, idx := range order {
		if remaining.IsZero() {
			break
		}
		lot := state.OpenLots[idx]
		available := lot.RemainingQty.Abs()
		if available.IsZero() {
			continue
		}
		take := decimal.Min(remaining, available)
		remaining = remaining.Sub(take)
		consumed[idx] = take

		var pnl decimal.Decimal
		if short {
			pnl = lot.CostBasis.Sub(closePrice).Mul(take)
		} else {
			pnl = closePrice.Sub(lot.CostBasis).Mul(take)
		}
		alloc.RealizedPnL = alloc.RealizedPnL.Add(pnl)
		alloc.Entries = append(alloc.Entries, Entry{
			LotID:       lot.ID,
			Quantity:    take,
			ClosePrice:  closePrice,
			RealizedPnL: pnl,
		})
	}

	if remaining.IsPositive() {
		alloc.FullyAllocated = false
	}

	// Rebuild the open-lot list in insertion order, dropping closed lots.
	kept := state.OpenLots[:0]
	for idx, lot := range state.OpenLots {
		take, touched := consumed[idx]
		if !touched {
			kept = append(kept, lot)
			continue
		}
		newAbs := lot.RemainingQty.Abs().Sub(take)
		if newAbs.IsZero() {
			continue
		}
		newQty := newAbs
		if short {
			newQty = newAbs.Neg()
		}
		kept = append(kept, lot.WithRemaining(newQty))
	}
	state.OpenLots = kept

	return alloc
}

// UpdatePrice returns a copy of the lot with a refreshed reference price.
// RESET events use it; cost basis never changes.
func UpdatePrice(lot domain.TaxLot, newPrice decimal.Decimal) domain.TaxLot {
	return lot.WithRefPrice(newPrice)
}

// ResetRefPrices applies a market reset price to every open lot.
func ResetRefPrices(state *domain.PositionState, newPrice decimal.Decimal) {
	for i, lot := range state.OpenLots {
		state.OpenLots[i] = UpdatePrice(lot, newPrice)
	}
}

// allocationOrder returns lot indices in consumption order for the method.
//
//	FIFO: ascending trade date, insertion order breaking ties
//	LIFO: descending trade date, later insertion first on ties
//	HIFO: descending cost basis, FIFO breaking ties
func allocationOrder(lots []domain.TaxLot, method domain.TaxLotMethod) []int {
	order := make([]int, len(lots))
	for i := range order {
		order[i] = i
	}
	switch method {
	case domain.MethodLIFO:
		sort.SliceStable(order, func(a, b int) bool {
			la, lb := lots[order[a]], lots[order[b]]
			if !la.TradeDate.Equal(lb.TradeDate) {
				return la.TradeDate.After(lb.TradeDate)
			}
			return order[a] > order[b]
		})
	case domain.MethodHIFO:
		sort.SliceStable(order, func(a, b int) bool {
			la, lb := lots[order[a]], lots[order[b]]
			if !la.CostBasis.Equal(lb.CostBasis) {
				return la.CostBasis.GreaterThan(lb.CostBasis)
			}
			if !la.TradeDate.Equal(lb.TradeDate) {
				return la.TradeDate.Before(lb.TradeDate)
			}
			return order[a] < order[b]
		})
	default: // FIFO
		sort.SliceStable(order, func(a, b int) bool {
			la, lb := lots[order[a]], lots[order[b]]
			if !la.TradeDate.Equal(lb.TradeDate) {
				return la.TradeDate.Before(lb.TradeDate)
			}
			return order[a] < order[b]
		})
	}
	return order
}

// upsertSchedulePoint inserts or replaces the schedule entry for the point's
// date and keeps the schedule sorted ascending by date.
func upsertSchedulePoint(state *domain.PositionState, point domain.SchedulePoint) {
	for i, existing := range state.Schedule {
		if sameDay(existing.Date, point.Date) {
			state.Schedule[i] = point
			return
		}
	}
	state.Schedule = append(state.Schedule, point)
	sort.SliceStable(state.Schedule, func(a, b int) bool {
		return state.Schedule[a].Date.Before(state.Schedule[b].Date)
	})
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
