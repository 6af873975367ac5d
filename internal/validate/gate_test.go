package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func gate() *Gate {
	return NewAt(func() time.Time { return now })
}

func goodTrade() *domain.Trade {
	return &domain.Trade{
		TradeID:       "T-1",
		PositionKey:   "abc",
		TradeType:     domain.TradeTypeNew,
		Quantity:      decimal.NewFromInt(100),
		Price:         decimal.RequireFromString("10.50"),
		EffectiveDate: now,
	}
}

func TestCheck_Passes(t *testing.T) {
	rej := gate().Check(goodTrade(), domain.StatusNonExistent)
	if rej.Failed() {
		t.Fatalf("valid trade rejected: %v", rej.Errors)
	}
}

func TestCheck_CollectsAllFieldErrors(t *testing.T) {
	trade := &domain.Trade{
		TradeType: "SPLIT",
		Quantity:  decimal.Zero,
		Price:     decimal.NewFromInt(-5),
	}
	rej := gate().Check(trade, domain.StatusNonExistent)
	if !rej.Failed() {
		t.Fatal("invalid trade passed")
	}
	if rej.Kind != errs.KindInvalidArgument {
		t.Errorf("kind = %s, want INVALID_ARGUMENT", rej.ErrorType())
	}
	// tradeId, positionKey, tradeType, quantity, price, effectiveDate
	if len(rej.Errors) != 6 {
		t.Errorf("errors = %d (%v), want all 6 collected", len(rej.Errors), rej.Errors)
	}
}

func TestCheck_PriceBounds(t *testing.T) {
	trade := goodTrade()
	trade.Price = decimal.NewFromInt(2_000_000)
	rej := gate().Check(trade, domain.StatusNonExistent)
	if !rej.Failed() || !strings.Contains(strings.Join(rej.Errors, " "), "maximum") {
		t.Errorf("fat-finger price should be rejected, got %v", rej.Errors)
	}
}

func TestCheck_ForwardWindow(t *testing.T) {
	trade := goodTrade()
	trade.EffectiveDate = now.AddDate(2, 0, 0)
	rej := gate().Check(trade, domain.StatusNonExistent)
	if !rej.Failed() {
		t.Fatal("trade two years out should be rejected")
	}

	trade.EffectiveDate = now.AddDate(0, 6, 0)
	if rej := gate().Check(trade, domain.StatusNonExistent); rej.Failed() {
		t.Errorf("six months out is inside the window: %v", rej.Errors)
	}
}

func TestCheck_StatusPreCheck(t *testing.T) {
	trade := goodTrade()
	trade.TradeType = domain.TradeTypeDecrease

	rej := gate().Check(trade, domain.StatusNonExistent)
	if !rej.Failed() {
		t.Fatal("DECREASE without a position should be rejected")
	}
	if rej.Kind != errs.KindStateViolation {
		t.Errorf("kind = %s, want STATE_VIOLATION", rej.ErrorType())
	}

	if rej := gate().Check(trade, domain.StatusActive); rej.Failed() {
		t.Errorf("DECREASE on ACTIVE should pass the gate: %v", rej.Errors)
	}
}
