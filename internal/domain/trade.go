// Package domain defines the core vocabulary of the position engine:
// trades, tax lots, position aggregates, events and snapshots. It has no
// dependencies on other internal packages so every layer can import it.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType identifies the business intent of an incoming trade message.
type TradeType string

const (
	TradeTypeNew      TradeType = "NEW_TRADE" // opens (or reopens) a position
	TradeTypeIncrease TradeType = "INCREASE"  // adds quantity to an active position
	TradeTypeDecrease TradeType = "DECREASE"  // reduces quantity, possibly to zero
)

// Valid returns true if the TradeType is one of the defined constants.
func (t TradeType) Valid() bool {
	switch t {
	case TradeTypeNew, TradeTypeIncrease, TradeTypeDecrease:
		return true
	default:
		return false
	}
}

// Direction distinguishes the long and short legs of the same
// (account, instrument, currency) triple. They are separate positions.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the inverse direction.
func (d Direction) Opposite() Direction {
	if d == DirectionShort {
		return DirectionLong
	}
	return DirectionShort
}

// DatingLabel classifies a trade's effective date against the position's
// snapshot. Assigned by the classifier, consumed by the dispatcher.
type DatingLabel string

const (
	DatingCurrent  DatingLabel = "CURRENT_DATED"
	DatingForward  DatingLabel = "FORWARD_DATED"
	DatingBackdate DatingLabel = "BACKDATED"
)

// Trade is an upstream trade message after decoding. Quantity and Price are
// arbitrary-precision decimals; Quantity is the unsigned magnitude, the sign
// applied to lots is derived from TradeType and Direction.
type Trade struct {
	TradeID        string          `json:"tradeId"`
	Account        string          `json:"account"`
	Instrument     string          `json:"instrument"`
	Currency       string          `json:"currency"`
	Direction      Direction       `json:"direction,omitempty"`
	PositionKey    string          `json:"positionKey,omitempty"`
	TradeType      TradeType       `json:"tradeType"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	EffectiveDate  time.Time       `json:"effectiveDate"`
	SettlementDate *time.Time      `json:"settlementDate,omitempty"`
	ContractID     string          `json:"contractId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	CausationID    string          `json:"causationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Dating         DatingLabel     `json:"dating,omitempty"`
}

// NormalizedDirection returns the trade's direction, defaulting to LONG when
// the upstream system omitted it.
func (t *Trade) NormalizedDirection() Direction {
	if t.Direction == DirectionShort {
		return DirectionShort
	}
	return DirectionLong
}

// SignedDelta returns the change in position quantity this trade represents.
// NEW_TRADE and INCREASE grow the position, DECREASE shrinks it; SHORT
// positions carry negative quantity so the signs invert.
func (t *Trade) SignedDelta() decimal.Decimal {
	mag := t.Quantity.Abs()
	delta := mag
	if t.TradeType == TradeTypeDecrease {
		delta = mag.Neg()
	}
	if t.NormalizedDirection() == DirectionShort {
		delta = delta.Neg()
	}
	return delta
}

// IsAcquisition reports whether the trade adds a new lot (as opposed to
// consuming existing lots).
func (t *Trade) IsAcquisition() bool {
	return t.TradeType == TradeTypeNew || t.TradeType == TradeTypeIncrease
}
