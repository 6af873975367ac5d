// Package validate is the admission gate in front of the hotpath: field and
// range checks plus a status-machine pre-check. The gate never raises to the
// bus handler; callers publish rejected trades to the DLQ with the error
// list.
package validate

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
	"github.com/eqswap/positions-engine/internal/lifecycle"
)

// maxPrice bounds plausible prices; anything above is a fat-finger reject.
var maxPrice = decimal.NewFromInt(1_000_000)

// maxForwardWindow bounds how far ahead a forward-dated trade may land.
const maxForwardWindow = 365 * 24 * time.Hour

// Rejection carries everything the DLQ notice needs.
type Rejection struct {
	Kind   errs.Kind
	Errors []string
}

// Failed reports whether the gate rejected the trade.
func (r Rejection) Failed() bool {
	return len(r.Errors) > 0
}

// ErrorType renders the rejection kind for the DLQ payload.
func (r Rejection) ErrorType() string {
	return r.Kind.String()
}

// Gate validates trades against field rules and the position's current
// status.
type Gate struct {
	now func() time.Time
}

// New creates a gate on the wall clock.
func New() *Gate {
	return &Gate{now: time.Now}
}

// NewAt fixes the clock for tests.
func NewAt(now func() time.Time) *Gate {
	return &Gate{now: now}
}

// Check runs all validations. currentStatus is the snapshot's status, or
// NON_EXISTENT when no snapshot exists.
func (g *Gate) Check(trade *domain.Trade, currentStatus domain.PositionStatus) Rejection {
	if rej := g.CheckFields(trade); rej.Failed() {
		return rej
	}

	// Status pre-check with a placeholder quantity: DECREASE's real
	// quantity check happens inside the reduction, where the open lots are
	// known.
	if err := lifecycle.Allowed(currentStatus, trade.TradeType); err != nil {
		return Rejection{Kind: errs.KindStateViolation, Errors: []string{err.Error()}}
	}

	return Rejection{}
}

// CheckFields runs the field and range rules alone, with no status pre-check.
// The coldpath uses it: a backdated trade replays against rebuilt history, so
// status is derived rather than gated, but a malformed trade must still not
// enter the log. Failures collect into one rejection rather than
// short-circuiting, so the DLQ message lists everything wrong with the trade.
func (g *Gate) CheckFields(trade *domain.Trade) Rejection {
	var errors []string

	if strings.TrimSpace(trade.TradeID) == "" {
		errors = append(errors, "tradeId is required")
	}
	if strings.TrimSpace(trade.PositionKey) == "" {
		errors = append(errors, "positionKey is required")
	}
	if !trade.TradeType.Valid() {
		errors = append(errors, "tradeType must be NEW_TRADE, INCREASE or DECREASE")
	}
	if trade.Quantity.IsZero() {
		errors = append(errors, "quantity must be non-zero")
	}
	if !trade.Price.IsPositive() {
		errors = append(errors, "price must be positive")
	} else if trade.Price.GreaterThan(maxPrice) {
		errors = append(errors, "price exceeds maximum of 1000000")
	}
	if trade.EffectiveDate.IsZero() {
		errors = append(errors, "effectiveDate is required")
	} else if trade.EffectiveDate.After(g.now().Add(maxForwardWindow)) {
		errors = append(errors, "effectiveDate is more than one year in the future")
	}

	if len(errors) > 0 {
		return Rejection{Kind: errs.KindInvalidArgument, Errors: errors}
	}
	return Rejection{}
}
