package domain

import (
	"time"
)

// EventType labels a persisted event. NEW_TRADE / INCREASE / DECREASE mirror
// the trade that produced them; the remainder are engine-generated lifecycle
// and correction events that do not drive the status machine.
type EventType string

const (
	EventNewTrade       EventType = "NEW_TRADE"
	EventIncrease       EventType = "INCREASE"
	EventDecrease       EventType = "DECREASE"
	EventReset          EventType = "RESET"
	EventCorrection     EventType = "CORRECTION"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventProvisional    EventType = "PROVISIONAL_TRADE_APPLIED"
	EventHistCorrected  EventType = "HISTORICAL_POSITION_CORRECTED"
)

// EventTypeForTrade maps an inbound trade type to the event type appended to
// the log.
func EventTypeForTrade(t TradeType) EventType {
	switch t {
	case TradeTypeIncrease:
		return EventIncrease
	case TradeTypeDecrease:
		return EventDecrease
	default:
		return EventNewTrade
	}
}

// Event is one immutable entry of a position's append-only log.
// (PositionKey, EventVer) is the primary key; EventVer is dense and strictly
// increasing per key in storage order. Replay order is reconstructed from
// (EffectiveDate, OccurredAt, EventVer), which lets the coldpath interleave
// backdated activity without ever rewriting old versions.
type Event struct {
	PositionKey   string            `json:"positionKey"`
	EventVer      uint64            `json:"eventVer"`
	EventType     EventType         `json:"eventType"`
	EffectiveDate time.Time         `json:"effectiveDate"` // valid time
	OccurredAt    time.Time         `json:"occurredAt"`    // transaction time
	Payload       []byte            `json:"payload"`       // serialized trade fields
	MetaLots      map[string]string `json:"metaLots,omitempty"` // lotId -> allocated qty, audit only
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	ContractID    string            `json:"contractId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	Archived      bool              `json:"archived"`
}

// UPIAction enumerates lifecycle audit entries recorded in upi_history.
type UPIAction string

const (
	UPICreated    UPIAction = "CREATED"
	UPITerminated UPIAction = "TERMINATED"
	UPIReopened   UPIAction = "REOPENED"
	UPICorrected  UPIAction = "CORRECTED"
)
