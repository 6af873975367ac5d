// Package codec handles the two serialized shapes the engine persists:
// the parallel-array lot compression stored on snapshots, and the JSON
// trade/correction payloads stored on events. Numeric fields travel as
// decimal strings so nothing ever round-trips through a float.
package codec

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
)

// CompressedLots is the snapshot wire shape for open lots: one array per
// field instead of an array of objects. The three optional arrays
// (settlementDates, originalQtys/costBases/settledQuantities) may be absent
// in rows written by earlier revisions; Inflate substitutes backward-compat
// defaults for those.
type CompressedLots struct {
	IDs               []string          `json:"ids"`
	TradeDates        []time.Time       `json:"tradeDates"`
	SettlementDates   []*time.Time      `json:"settlementDates,omitempty"`
	RemainingQtys     []decimal.Decimal `json:"remainingQtys"`
	OriginalQtys      []decimal.Decimal `json:"originalQtys,omitempty"`
	CostBases         []decimal.Decimal `json:"costBases,omitempty"`
	CurrentRefPrices  []decimal.Decimal `json:"currentRefPrices"`
	SettledQuantities []decimal.Decimal `json:"settledQuantities,omitempty"`
}

// Compress flattens lots into parallel arrays. Deterministic: element i of
// every array describes lots[i].
func Compress(lots []domain.TaxLot) CompressedLots {
	c := CompressedLots{
		IDs:               make([]string, len(lots)),
		TradeDates:        make([]time.Time, len(lots)),
		SettlementDates:   make([]*time.Time, len(lots)),
		RemainingQtys:     make([]decimal.Decimal, len(lots)),
		OriginalQtys:      make([]decimal.Decimal, len(lots)),
		CostBases:         make([]decimal.Decimal, len(lots)),
		CurrentRefPrices:  make([]decimal.Decimal, len(lots)),
		SettledQuantities: make([]decimal.Decimal, len(lots)),
	}
	for i, lot := range lots {
		c.IDs[i] = lot.ID
		c.TradeDates[i] = lot.TradeDate
		c.SettlementDates[i] = lot.SettlementDate
		c.RemainingQtys[i] = lot.RemainingQty
		c.OriginalQtys[i] = lot.OriginalQty
		c.CostBases[i] = lot.CostBasis
		c.CurrentRefPrices[i] = lot.CurrentRefPrice
		c.SettledQuantities[i] = lot.SettledQuantity
	}
	return c
}

// Inflate reconstructs lots element-wise. Missing optional arrays fall back
// to the legacy defaults: costBasis := currentRefPrice, originalQty :=
// remainingQty, settledQuantity := 0. Any present array with a mismatched
// length is data corruption.
func Inflate(c CompressedLots) ([]domain.TaxLot, error) {
	n := len(c.IDs)
	if len(c.TradeDates) != n || len(c.RemainingQtys) != n || len(c.CurrentRefPrices) != n {
		return nil, errs.Newf(errs.KindDataCorruption,
			"codec: required lot arrays have unequal lengths (ids=%d tradeDates=%d remainingQtys=%d refPrices=%d)",
			n, len(c.TradeDates), len(c.RemainingQtys), len(c.CurrentRefPrices))
	}
	for name, l := range map[string]int{
		"settlementDates":   len(c.SettlementDates),
		"originalQtys":      len(c.OriginalQtys),
		"costBases":         len(c.CostBases),
		"settledQuantities": len(c.SettledQuantities),
	} {
		if l != 0 && l != n {
			return nil, errs.Newf(errs.KindDataCorruption,
				"codec: optional lot array %s has length %d, want 0 or %d", name, l, n)
		}
	}

	lots := make([]domain.TaxLot, n)
	for i := 0; i < n; i++ {
		lot := domain.TaxLot{
			ID:              c.IDs[i],
			TradeDate:       c.TradeDates[i],
			RemainingQty:    c.RemainingQtys[i],
			CurrentRefPrice: c.CurrentRefPrices[i],
			SettledQuantity: decimal.Zero,
		}
		if len(c.SettlementDates) == n {
			lot.SettlementDate = c.SettlementDates[i]
		}
		if len(c.CostBases) == n {
			lot.CostBasis = c.CostBases[i]
		} else {
			lot.CostBasis = c.CurrentRefPrices[i]
		}
		if len(c.OriginalQtys) == n {
			lot.OriginalQty = c.OriginalQtys[i]
		} else {
			lot.OriginalQty = c.RemainingQtys[i]
		}
		if len(c.SettledQuantities) == n {
			lot.SettledQuantity = c.SettledQuantities[i]
		}
		lots[i] = lot
	}
	return lots, nil
}

// MarshalLots compresses and JSON-encodes lots for the snapshot row.
func MarshalLots(lots []domain.TaxLot) ([]byte, error) {
	data, err := json.Marshal(Compress(lots))
	if err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: marshal lots: %v", err)
	}
	return data, nil
}

// UnmarshalLots decodes a snapshot row's compressed lots.
func UnmarshalLots(data []byte) ([]domain.TaxLot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c CompressedLots
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: unmarshal lots: %v", err)
	}
	return Inflate(c)
}
