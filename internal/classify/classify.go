// Package classify labels each trade by comparing its effective date to the
// position's snapshot and to today's wall-clock date. The label decides
// whether the trade stays on the hotpath or detours through the coldpath.
package classify

import (
	"time"

	"github.com/eqswap/positions-engine/internal/domain"
)

// Classifier dates trades in a configurable local zone.
type Classifier struct {
	loc *time.Location
	now func() time.Time // injectable for tests
}

// New creates a classifier. A nil location means UTC.
func New(loc *time.Location) *Classifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Classifier{loc: loc, now: time.Now}
}

// NewAt fixes the clock; tests use it to pin "today".
func NewAt(loc *time.Location, now func() time.Time) *Classifier {
	c := New(loc)
	c.now = now
	return c
}

// Classify labels the trade and writes the label back onto it.
//
//	effectiveDate after today                      -> FORWARD_DATED
//	no snapshot, or effectiveDate >= snapshot's
//	latest effective date                          -> CURRENT_DATED
//	otherwise                                      -> BACKDATED
//
// All comparisons are at day granularity in the engine's zone; a trade
// effective exactly on the snapshot's latest date counts as CURRENT_DATED.
func (c *Classifier) Classify(trade *domain.Trade, snap *domain.Snapshot) domain.DatingLabel {
	today := dateOnly(c.now().In(c.loc))
	effective := dateOnly(trade.EffectiveDate.In(c.loc))

	label := domain.DatingCurrent
	switch {
	case effective.After(today):
		label = domain.DatingForward
	case snap == nil || snap.LatestEffective.IsZero():
		label = domain.DatingCurrent
	case effective.Before(dateOnly(snap.LatestEffective.In(c.loc))):
		label = domain.DatingBackdate
	}
	trade.Dating = label
	return label
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
