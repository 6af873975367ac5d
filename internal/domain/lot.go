package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaxLot is a quantum of a position created by an acquiring trade.
// Lots are immutable in principle: a reduction produces a copy with a smaller
// RemainingQty, and a market reset produces a copy with a new CurrentRefPrice.
//
// Sign convention: RemainingQty carries the position's sign — positive for
// LONG lots, negative for SHORT lots. A lot is closed when RemainingQty is
// exactly zero.
type TaxLot struct {
	ID              string          `json:"id"`
	TradeDate       time.Time       `json:"tradeDate"`
	SettlementDate  *time.Time      `json:"settlementDate,omitempty"`
	OriginalQty     decimal.Decimal `json:"originalQty"`
	RemainingQty    decimal.Decimal `json:"remainingQty"`
	CostBasis       decimal.Decimal `json:"costBasis"`
	CurrentRefPrice decimal.Decimal `json:"currentRefPrice"`
	SettledQuantity decimal.Decimal `json:"settledQuantity"`
}

// Closed reports whether the lot has been fully consumed.
func (l TaxLot) Closed() bool {
	return l.RemainingQty.IsZero()
}

// WithRemaining returns a copy of the lot with RemainingQty replaced.
func (l TaxLot) WithRemaining(qty decimal.Decimal) TaxLot {
	l.RemainingQty = qty
	return l
}

// WithRefPrice returns a copy of the lot with CurrentRefPrice replaced.
// Used by RESET events; cost basis is never touched.
func (l TaxLot) WithRefPrice(price decimal.Decimal) TaxLot {
	l.CurrentRefPrice = price
	return l
}

// SchedulePoint is one entry of a position's price/quantity schedule,
// keyed by effective date. The schedule is kept sorted by date.
type SchedulePoint struct {
	Date     time.Time       `json:"date"`
	Quantity decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
}
