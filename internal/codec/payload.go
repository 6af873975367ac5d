package codec

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/errs"
)

// MarshalTrade encodes the trade fields persisted on an event. Unknown
// fields sent by upstream systems are dropped at decode time, never here.
func MarshalTrade(t *domain.Trade) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: marshal trade %s: %v", t.TradeID, err)
	}
	return data, nil
}

// UnmarshalTrade decodes an event payload back into a trade. Unknown fields
// are ignored.
func UnmarshalTrade(data []byte) (*domain.Trade, error) {
	var t domain.Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: unmarshal trade payload: %v", err)
	}
	return &t, nil
}

// CorrectionSummary is the payload of a HISTORICAL_POSITION_CORRECTED event:
// the net effect of a coldpath recalculation on one position.
type CorrectionSummary struct {
	ProvisionalTradeID string          `json:"provisionalTradeId"`
	LotsAdded          []string        `json:"lotsAdded,omitempty"`
	LotsRemoved        []string        `json:"lotsRemoved,omitempty"`
	PriorTotalQty      decimal.Decimal `json:"priorTotalQty"`
	NewTotalQty        decimal.Decimal `json:"newTotalQty"`
	CorrectionsEmitted int             `json:"correctionsEmitted"`
}

// MarshalCorrection encodes a correction summary payload.
func MarshalCorrection(c *CorrectionSummary) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: marshal correction: %v", err)
	}
	return data, nil
}

// UnmarshalCorrection decodes a correction summary payload.
func UnmarshalCorrection(data []byte) (*CorrectionSummary, error) {
	var c CorrectionSummary
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: unmarshal correction payload: %v", err)
	}
	return &c, nil
}

// Lot change codes carried on CORRECTION events.
const (
	LotAdded   = "ADDED"
	LotRemoved = "REMOVED"
)

// LotCorrection is the payload of one CORRECTION event: a single lot that a
// recalculation added to or removed from the open set.
type LotCorrection struct {
	LotID              string `json:"lotId"`
	Change             string `json:"change"` // ADDED or REMOVED
	ProvisionalTradeID string `json:"provisionalTradeId"`
}

// MarshalLotCorrection encodes a per-lot correction payload.
func MarshalLotCorrection(c *LotCorrection) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errs.Newf(errs.KindDataCorruption, "codec: marshal lot correction: %v", err)
	}
	return data, nil
}

// RejectionNotice is the payload published to the DLQ when validation or
// processing fails terminally. The state machine's human-readable reason is
// preserved in Errors.
type RejectionNotice struct {
	TradeID       string          `json:"tradeId"`
	PositionKey   string          `json:"positionKey,omitempty"`
	ErrorType     string          `json:"errorType"`
	Errors        []string        `json:"errors"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RawTrade      json.RawMessage `json:"rawTrade,omitempty"`
}

// MarshalRejection encodes a DLQ notice; encoding a notice never fails in
// practice, so errors degrade to a minimal hand-built document.
func MarshalRejection(n *RejectionNotice) []byte {
	data, err := json.Marshal(n)
	if err != nil {
		return []byte(`{"errorType":"` + n.ErrorType + `"}`)
	}
	return data
}
