package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle status of a position.
type PositionStatus string

const (
	// StatusNonExistent is the implicit status before the first NEW_TRADE.
	// It is never persisted; an absent snapshot means NON_EXISTENT.
	StatusNonExistent PositionStatus = "NON_EXISTENT"
	StatusActive      PositionStatus = "ACTIVE"
	StatusTerminated  PositionStatus = "TERMINATED"
)

// ReconciliationStatus describes how trustworthy the snapshot currently is.
type ReconciliationStatus string

const (
	ReconReconciled  ReconciliationStatus = "RECONCILED"
	ReconProvisional ReconciliationStatus = "PROVISIONAL" // coldpath recalculation in flight
	ReconPending     ReconciliationStatus = "PENDING"     // corrupt event skipped during replay
)

// PositionState is the in-memory aggregate for a single position key.
// It carries no locking of its own: the dispatcher guarantees that at most
// one worker touches a given key at a time.
type PositionState struct {
	PositionKey   string
	Account       string
	Instrument    string
	Currency      string
	Direction     Direction
	ContractID    string
	OpenLots      []TaxLot // insertion order = arrival order
	Schedule      []SchedulePoint
	Version       uint64
	Status        PositionStatus
	Recon         ReconciliationStatus
	ProvisionalID string // trade id driving an in-flight coldpath run
}

// NewPositionState returns an empty aggregate for a key that has never seen
// a trade.
func NewPositionState(key string) *PositionState {
	return &PositionState{
		PositionKey: key,
		Status:      StatusNonExistent,
		Recon:       ReconReconciled,
	}
}

// TotalQty is the sum of remaining quantity across open lots. Negative for
// SHORT positions.
func (p *PositionState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range p.OpenLots {
		total = total.Add(lot.RemainingQty)
	}
	return total
}

// Flat reports whether every lot is closed.
func (p *PositionState) Flat() bool {
	return p.TotalQty().IsZero()
}

// Clone returns a deep copy of the aggregate. The coldpath uses clones to
// compare a recomputed state against the prior one.
func (p *PositionState) Clone() *PositionState {
	cp := *p
	cp.OpenLots = make([]TaxLot, len(p.OpenLots))
	copy(cp.OpenLots, p.OpenLots)
	cp.Schedule = make([]SchedulePoint, len(p.Schedule))
	copy(cp.Schedule, p.Schedule)
	return &cp
}

// Snapshot is the persisted, denormalized view of a position: one row per
// key, overwritten on every applied event. LastVer equals the highest
// non-archived event version applied; Version is the optimistic-lock counter
// compared on save.
type Snapshot struct {
	PositionKey      string
	Account          string
	Instrument       string
	Currency         string
	Direction        Direction
	ContractID       string
	Status           PositionStatus
	Recon            ReconciliationStatus
	ProvisionalID    string
	TotalQty         decimal.Decimal
	LastVer          uint64
	CompressedLots   []byte // codec parallel-array JSON
	SummaryMetrics   []byte // free-form JSON metrics
	Version          uint64
	LatestEffective  time.Time // newest effective date applied, drives classification
	LastUpdatedAt    time.Time
}
