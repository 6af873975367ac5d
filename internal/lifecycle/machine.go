// Package lifecycle validates position status transitions. The machine is
// deliberately tiny: three statuses, three driving trade types, and a single
// quantity-dependent branch. Internal events (RESET, CORRECTION, the
// coldpath events) never pass through it.
package lifecycle

import (
	"fmt"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Transition describes one permitted edge of the status machine.
type Transition struct {
	From      domain.PositionStatus
	Trade     domain.TradeType
	To        domain.PositionStatus
	Condition string // human-readable label, preserved in errors and DLQ payloads
}

// ValidTransitions is the complete set of permitted edges. DECREASE from
// ACTIVE is special-cased in Apply: the destination depends on the resulting
// quantity.
var ValidTransitions = []Transition{
	{domain.StatusNonExistent, domain.TradeTypeNew, domain.StatusActive, "position_created"},
	{domain.StatusActive, domain.TradeTypeIncrease, domain.StatusActive, "quantity_increased"},
	{domain.StatusActive, domain.TradeTypeDecrease, domain.StatusActive, "quantity_decreased"},
	{domain.StatusActive, domain.TradeTypeDecrease, domain.StatusTerminated, "position_closed"},
	{domain.StatusTerminated, domain.TradeTypeNew, domain.StatusActive, "position_reopened"},
}

// Result is the outcome of a validated transition.
type Result struct {
	NewStatus     domain.PositionStatus
	StatusChanged bool
	Condition     string
}

// Apply validates (current status, trade type, quantity after) against the
// transition table and returns the resulting status. Every rejection carries
// a non-empty reason.
func Apply(current domain.PositionStatus, trade domain.TradeType, qtyAfter decimal.Decimal) (Result, error) {
	if current == "" {
		current = domain.StatusNonExistent
	}

	switch current {
	case domain.StatusNonExistent:
		if trade == domain.TradeTypeNew {
			return Result{NewStatus: domain.StatusActive, StatusChanged: true, Condition: "position_created"}, nil
		}
		return Result{}, rejection(current, trade, "no position exists; only NEW_TRADE can create one")

	case domain.StatusActive:
		switch trade {
		case domain.TradeTypeNew:
			return Result{}, rejection(current, trade, "position already active; use INCREASE or DECREASE")
		case domain.TradeTypeIncrease:
			return Result{NewStatus: domain.StatusActive, Condition: "quantity_increased"}, nil
		case domain.TradeTypeDecrease:
			if qtyAfter.IsZero() {
				return Result{NewStatus: domain.StatusTerminated, StatusChanged: true, Condition: "position_closed"}, nil
			}
			return Result{NewStatus: domain.StatusActive, Condition: "quantity_decreased"}, nil
		}

	case domain.StatusTerminated:
		if trade == domain.TradeTypeNew {
			return Result{NewStatus: domain.StatusActive, StatusChanged: true, Condition: "position_reopened"}, nil
		}
		return Result{}, rejection(current, trade, "position is terminated; only NEW_TRADE can reopen it")
	}

	return Result{}, rejection(current, trade, "unknown status")
}

// Allowed reports whether any edge exists for (current, trade), ignoring the
// quantity-dependent destination. The validation gate uses it for its
// pre-check before quantities are known precisely.
func Allowed(current domain.PositionStatus, trade domain.TradeType) error {
	_, err := Apply(current, trade, decimal.NewFromInt(1))
	return err
}

func rejection(from domain.PositionStatus, trade domain.TradeType, reason string) error {
	return fmt.Errorf("invalid transition: %s on %s: %s", trade, from, reason)
}
