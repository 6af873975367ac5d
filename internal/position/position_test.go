package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/codec"
	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
)

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func trade(id string, tt domain.TradeType, qty, price int64, effective time.Time) *domain.Trade {
	return &domain.Trade{
		TradeID:       id,
		Account:       "ACC-1",
		Instrument:    "AAPL",
		Currency:      "USD",
		PositionKey:   "k",
		TradeType:     tt,
		Quantity:      decimal.NewFromInt(qty),
		Price:         decimal.NewFromInt(price),
		EffectiveDate: effective,
	}
}

func TestApply_StrictLifecycle(t *testing.T) {
	state := domain.NewPositionState("k")

	out, err := Apply(state, trade("T1", domain.TradeTypeNew, 100, 10, day(1)), domain.MethodFIFO, true)
	if err != nil {
		t.Fatalf("NEW_TRADE failed: %v", err)
	}
	if state.Status != domain.StatusActive || !out.StatusChanged {
		t.Error("NEW_TRADE should activate the position")
	}
	if !out.QtyAfter.Equal(decimal.NewFromInt(100)) {
		t.Errorf("qty after = %s, want 100", out.QtyAfter)
	}

	// A second NEW_TRADE is a state violation and must leave the lots alone.
	_, err = Apply(state, trade("T2", domain.TradeTypeNew, 50, 10, day(2)), domain.MethodFIFO, true)
	if errs.KindOf(err) != errs.KindStateViolation {
		t.Fatalf("duplicate NEW_TRADE kind = %s, want STATE_VIOLATION", errs.KindOf(err))
	}
	if len(state.OpenLots) != 1 {
		t.Error("rejected trade must not mutate the aggregate")
	}

	out, err = Apply(state, trade("T3", domain.TradeTypeDecrease, 100, 12, day(3)), domain.MethodFIFO, true)
	if err != nil {
		t.Fatalf("closing DECREASE failed: %v", err)
	}
	if !out.Closed || state.Status != domain.StatusTerminated {
		t.Error("flat position should terminate")
	}
	if !out.Allocation.RealizedPnL.Equal(decimal.NewFromInt(200)) {
		t.Errorf("realized pnl = %s, want 200", out.Allocation.RealizedPnL)
	}
}

func TestApply_LenientDerivesStatus(t *testing.T) {
	state := domain.NewPositionState("k")

	// Replay may present an INCREASE before the NEW_TRADE that opened the
	// position; lenient mode applies the lot math regardless.
	if _, err := Apply(state, trade("T1", domain.TradeTypeIncrease, 80, 10, day(1)), domain.MethodFIFO, false); err != nil {
		t.Fatalf("lenient INCREASE failed: %v", err)
	}
	if state.Status != domain.StatusActive {
		t.Errorf("status = %s, want ACTIVE", state.Status)
	}
	if _, err := Apply(state, trade("T2", domain.TradeTypeNew, 100, 10, day(2)), domain.MethodFIFO, false); err != nil {
		t.Fatalf("lenient NEW_TRADE failed: %v", err)
	}
	if !state.TotalQty().Equal(decimal.NewFromInt(180)) {
		t.Errorf("total qty = %s, want 180", state.TotalQty())
	}

	out, err := Apply(state, trade("T3", domain.TradeTypeDecrease, 180, 11, day(3)), domain.MethodFIFO, false)
	if err != nil {
		t.Fatalf("lenient DECREASE failed: %v", err)
	}
	if !out.Closed || state.Status != domain.StatusTerminated {
		t.Error("lenient flat-after-DECREASE should terminate")
	}
}

func TestApply_DecreaseCapsAtOpenQuantity(t *testing.T) {
	state := domain.NewPositionState("k")
	if _, err := Apply(state, trade("T1", domain.TradeTypeNew, 50, 10, day(1)), domain.MethodFIFO, true); err != nil {
		t.Fatal(err)
	}
	out, err := Apply(state, trade("T2", domain.TradeTypeDecrease, 90, 10, day(2)), domain.MethodFIFO, true)
	if err != nil {
		t.Fatalf("oversized DECREASE failed: %v", err)
	}
	if !out.QtyAfter.IsZero() {
		t.Errorf("qty after = %s, want 0 (no over-close)", out.QtyAfter)
	}
	if out.Allocation.FullyAllocated {
		t.Error("oversized reduction must report partial allocation")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	state := domain.NewPositionState("k")
	if _, err := Apply(state, trade("T1", domain.TradeTypeNew, 100, 10, day(1)), domain.MethodFIFO, true); err != nil {
		t.Fatal(err)
	}

	snap, err := ToSnapshot(state, 7, day(1), decimal.Zero)
	if err != nil {
		t.Fatalf("to snapshot: %v", err)
	}
	if snap.LastVer != 7 || !snap.TotalQty.Equal(decimal.NewFromInt(100)) {
		t.Error("snapshot rollups wrong")
	}
	if snap.Account != "ACC-1" || snap.Direction != domain.DirectionLong {
		t.Error("denormalized identity fields not adopted from the trade")
	}

	back, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if len(back.OpenLots) != 1 || !back.TotalQty().Equal(decimal.NewFromInt(100)) {
		t.Error("lots did not survive the snapshot round trip")
	}
	if back.Status != domain.StatusActive {
		t.Errorf("status = %s, want ACTIVE", back.Status)
	}
}

func TestReplay_SkipsCorruptEvents(t *testing.T) {
	t1, _ := codec.MarshalTrade(trade("T1", domain.TradeTypeNew, 100, 10, day(1)))
	t3, _ := codec.MarshalTrade(trade("T3", domain.TradeTypeIncrease, 50, 12, day(3)))
	events := []domain.Event{
		{EventVer: 1, EventType: domain.EventNewTrade, EffectiveDate: day(1), Payload: t1},
		{EventVer: 2, EventType: domain.EventIncrease, EffectiveDate: day(2), Payload: []byte("{broken")},
		{EventVer: 3, EventType: domain.EventIncrease, EffectiveDate: day(3), Payload: t3},
	}

	state := domain.NewPositionState("k")
	report := Replay(events, state, func(string) domain.TaxLotMethod { return domain.MethodFIFO })

	if report.Applied != 2 || len(report.Skipped) != 1 {
		t.Fatalf("applied=%d skipped=%d, want 2/1", report.Applied, len(report.Skipped))
	}
	if report.Skipped[0].EventVer != 2 {
		t.Errorf("skipped version = %d, want 2", report.Skipped[0].EventVer)
	}
	if state.Recon != domain.ReconPending {
		t.Error("a skipped event must leave the position PENDING")
	}
	if !state.TotalQty().Equal(decimal.NewFromInt(150)) {
		t.Errorf("total qty = %s, want 150 (survivors applied)", state.TotalQty())
	}
	if !report.LatestEffective.Equal(day(3)) {
		t.Errorf("latest effective = %v, want day 3", report.LatestEffective)
	}
}

func TestReplay_LifecycleEventsAreNoOps(t *testing.T) {
	t1, _ := codec.MarshalTrade(trade("T1", domain.TradeTypeNew, 100, 10, day(1)))
	events := []domain.Event{
		{EventVer: 1, EventType: domain.EventNewTrade, EffectiveDate: day(1), Payload: t1},
		{EventVer: 2, EventType: domain.EventPositionClosed, EffectiveDate: day(1), Payload: t1},
		{EventVer: 3, EventType: domain.EventHistCorrected, EffectiveDate: day(1), Payload: []byte("{}")},
	}
	state := domain.NewPositionState("k")
	report := Replay(events, state, func(string) domain.TaxLotMethod { return domain.MethodFIFO })
	if report.Applied != 1 {
		t.Errorf("applied = %d, want 1 (derived events replay as no-ops)", report.Applied)
	}
	if !state.TotalQty().Equal(decimal.NewFromInt(100)) {
		t.Errorf("total qty = %s, want 100", state.TotalQty())
	}
}
