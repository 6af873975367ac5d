package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/codec"
	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/lotengine"
)

// SkippedEvent records an event whose payload failed to decode during
// replay. The position is marked PENDING and the skip is surfaced for
// alerting, but the replay continues: one corrupt row must not wedge the
// whole position.
type SkippedEvent struct {
	EventVer uint64
	Err      error
}

// ReplayReport summarizes a replay pass.
type ReplayReport struct {
	Applied         int
	Skipped         []SkippedEvent
	LatestEffective time.Time
	RealizedPnL     decimal.Decimal // cumulative over the replayed span
}

// Replay applies a canonically-ordered event sequence onto the aggregate in
// lenient mode. Trade-bearing events (NEW_TRADE, INCREASE, DECREASE,
// PROVISIONAL_TRADE_APPLIED) mutate lots; RESET refreshes reference prices;
// POSITION_CLOSED, CORRECTION and HISTORICAL_POSITION_CORRECTED are derived
// records and replay as no-ops.
func Replay(events []domain.Event, state *domain.PositionState, methodFor func(contractID string) domain.TaxLotMethod) ReplayReport {
	report := ReplayReport{RealizedPnL: decimal.Zero}

	for i := range events {
		ev := &events[i]
		switch ev.EventType {
		case domain.EventNewTrade, domain.EventIncrease, domain.EventDecrease, domain.EventProvisional:
			trade, err := codec.UnmarshalTrade(ev.Payload)
			if err != nil {
				state.Recon = domain.ReconPending
				report.Skipped = append(report.Skipped, SkippedEvent{EventVer: ev.EventVer, Err: err})
				continue
			}
			out, err := Apply(state, trade, methodFor(ev.ContractID), false)
			if err != nil {
				state.Recon = domain.ReconPending
				report.Skipped = append(report.Skipped, SkippedEvent{EventVer: ev.EventVer, Err: err})
				continue
			}
			report.Applied++
			report.RealizedPnL = report.RealizedPnL.Add(out.Allocation.RealizedPnL)
			if ev.EffectiveDate.After(report.LatestEffective) {
				report.LatestEffective = ev.EffectiveDate
			}

		case domain.EventReset:
			trade, err := codec.UnmarshalTrade(ev.Payload)
			if err != nil {
				state.Recon = domain.ReconPending
				report.Skipped = append(report.Skipped, SkippedEvent{EventVer: ev.EventVer, Err: err})
				continue
			}
			lotengine.ResetRefPrices(state, trade.Price)
			report.Applied++

		default:
			// Derived lifecycle records carry no state of their own.
		}
	}
	return report
}
