package codec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
)

func sampleLots() []domain.TaxLot {
	settle := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	return []domain.TaxLot{
		{
			ID:              "lot-1",
			TradeDate:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			SettlementDate:  &settle,
			OriginalQty:     decimal.NewFromInt(100),
			RemainingQty:    decimal.NewFromInt(60),
			CostBasis:       decimal.RequireFromString("10.25"),
			CurrentRefPrice: decimal.RequireFromString("11.40"),
			SettledQuantity: decimal.NewFromInt(100),
		},
		{
			ID:              "lot-2",
			TradeDate:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			OriginalQty:     decimal.NewFromInt(-50),
			RemainingQty:    decimal.NewFromInt(-50),
			CostBasis:       decimal.NewFromInt(20),
			CurrentRefPrice: decimal.NewFromInt(20),
			SettledQuantity: decimal.Zero,
		},
	}
}

func TestLots_RoundTrip(t *testing.T) {
	data, err := MarshalLots(sampleLots())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	lots, err := UnmarshalLots(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("lots = %d, want 2", len(lots))
	}
	if lots[0].ID != "lot-1" || !lots[0].RemainingQty.Equal(decimal.NewFromInt(60)) {
		t.Error("lot-1 did not survive the round trip")
	}
	if lots[0].SettlementDate == nil {
		t.Error("settlement date dropped")
	}
	if !lots[1].RemainingQty.Equal(decimal.NewFromInt(-50)) {
		t.Error("negative (SHORT) remaining qty must survive as-is")
	}
}

func TestUnmarshalLots_Empty(t *testing.T) {
	lots, err := UnmarshalLots(nil)
	if err != nil || lots != nil {
		t.Errorf("empty blob should decode to no lots, got %v, %v", lots, err)
	}
}

func TestInflate_LegacyDefaults(t *testing.T) {
	// Rows written before cost bases were stored carry only the required
	// arrays.
	c := CompressedLots{
		IDs:              []string{"old-1"},
		TradeDates:       []time.Time{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		RemainingQtys:    []decimal.Decimal{decimal.NewFromInt(40)},
		CurrentRefPrices: []decimal.Decimal{decimal.RequireFromString("15.5")},
	}
	lots, err := Inflate(c)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	lot := lots[0]
	if !lot.CostBasis.Equal(lot.CurrentRefPrice) {
		t.Error("missing cost bases default to the reference price")
	}
	if !lot.OriginalQty.Equal(lot.RemainingQty) {
		t.Error("missing original qtys default to the remaining qty")
	}
	if !lot.SettledQuantity.IsZero() {
		t.Error("missing settled quantities default to zero")
	}
}

func TestInflate_LengthMismatchIsCorruption(t *testing.T) {
	c := CompressedLots{
		IDs:              []string{"a", "b"},
		TradeDates:       []time.Time{time.Now()},
		RemainingQtys:    []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)},
		CurrentRefPrices: []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)},
	}
	_, err := Inflate(c)
	if err == nil {
		t.Fatal("mismatched required arrays must fail")
	}
	if errs.KindOf(err) != errs.KindDataCorruption {
		t.Errorf("kind = %s, want DATA_CORRUPTION", errs.KindOf(err))
	}

	c = CompressedLots{
		IDs:              []string{"a"},
		TradeDates:       []time.Time{time.Now()},
		RemainingQtys:    []decimal.Decimal{decimal.NewFromInt(1)},
		CurrentRefPrices: []decimal.Decimal{decimal.NewFromInt(1)},
		CostBases:        []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)},
	}
	if _, err := Inflate(c); errs.KindOf(err) != errs.KindDataCorruption {
		t.Error("mismatched optional array must classify as corruption")
	}
}

func TestUnmarshalTrade_Corruption(t *testing.T) {
	if _, err := UnmarshalTrade([]byte("{not json")); errs.KindOf(err) != errs.KindDataCorruption {
		t.Error("undecodable payload must classify as corruption")
	}
}

func TestTradePayload_DecimalStringsSurvive(t *testing.T) {
	trade := &domain.Trade{
		TradeID:  "T-1",
		Quantity: decimal.RequireFromString("0.000000001"),
		Price:    decimal.RequireFromString("123456.789012345"),
	}
	data, err := MarshalTrade(trade)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := UnmarshalTrade(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Quantity.Equal(trade.Quantity) || !back.Price.Equal(trade.Price) {
		t.Error("high-precision decimals must survive the payload round trip")
	}
}
