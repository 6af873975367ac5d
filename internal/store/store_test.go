package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eqswap/positions-engine/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "positions.db"), 16, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEvent(key string, ver uint64, effective, occurred time.Time) *domain.Event {
	return &domain.Event{
		PositionKey:   key,
		EventVer:      ver,
		EventType:     domain.EventNewTrade,
		EffectiveDate: effective,
		OccurredAt:    occurred,
		Payload:       []byte(`{"tradeId":"T"}`),
	}
}

func testSnapshot(key string) *domain.Snapshot {
	return &domain.Snapshot{
		PositionKey:     key,
		Account:         "ACC-1",
		Instrument:      "AAPL",
		Currency:        "USD",
		Direction:       domain.DirectionLong,
		Status:          domain.StatusActive,
		Recon:           domain.ReconReconciled,
		TotalQty:        decimal.NewFromInt(100),
		LastVer:         1,
		CompressedLots:  []byte(`{"ids":[],"tradeDates":[],"remainingQtys":[],"currentRefPrices":[]}`),
		LatestEffective: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEventStore_AppendAndVersioning(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ver, err := st.Events.NextVersion(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ver, "fresh key starts at version 1")

	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 1, now, now)))

	ver, err = st.Events.NextVersion(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ver)

	// A colliding version is an optimistic-lock conflict, not a generic error.
	err = st.Events.Append(ctx, testEvent("key-1", 1, now, now))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestEventStore_CanonicalReplayOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	d := func(day int) time.Time { return time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC) }

	// Versions are appended in arrival order, but replay sorts by effective
	// date first: the backdated v3 must come back ahead of v1 and v2.
	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 1, d(10), d(10))))
	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 2, d(12), d(12))))
	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 3, d(5), d(13))))

	events, err := st.Events.List(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].EventVer, "backdated event replays first")
	assert.Equal(t, uint64(1), events[1].EventVer)
	assert.Equal(t, uint64(2), events[2].EventVer)

	asOf, err := st.Events.ListAsOf(ctx, "key-1", d(10))
	require.NoError(t, err)
	assert.Len(t, asOf, 2, "as-of excludes later effective dates")
}

func TestEventStore_ArchivalExcludesFromReplay(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	ev := testEvent("key-1", 1, old, old)
	require.NoError(t, st.Events.Append(ctx, ev))
	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 2, now, now)))

	// The event landed on a derived partition; flag them all to cover it.
	var flagged int64
	for p := 0; p < 16; p++ {
		n, err := st.Events.MarkPartitionArchived(ctx, p, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		flagged += n
	}
	assert.EqualValues(t, 1, flagged)

	events, err := st.Events.List(ctx, "key-1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "archived events drop out of replay")

	ver, err := st.Events.NextVersion(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ver, "versions stay dense past archived rows")
}

func TestEventStore_AppendAfterFullArchival(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 1, old, old)))
	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", 2, old, old)))

	// Every event for the key ages past the cutoff and gets flagged.
	var flagged int64
	for p := 0; p < 16; p++ {
		n, err := st.Events.MarkPartitionArchived(ctx, p, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		flagged += n
	}
	assert.EqualValues(t, 2, flagged)

	// The archived rows still hold versions 1 and 2; a reopening position
	// must continue past them, not collide with them.
	ver, err := st.Events.NextVersion(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ver)

	now := time.Now().UTC()
	require.NoError(t, st.Events.Append(ctx, testEvent("key-1", ver, now, now)))

	events, err := st.Events.List(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].EventVer)
}

func TestSnapshotStore_OptimisticLock(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("key-1")
	require.NoError(t, st.Snapshots.Save(ctx, snap))
	assert.Equal(t, uint64(1), snap.Version)

	loaded, err := st.Snapshots.Load(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Version)
	assert.True(t, loaded.TotalQty.Equal(decimal.NewFromInt(100)))

	// Second saver with the same loaded version wins once.
	require.NoError(t, st.Snapshots.Save(ctx, loaded))
	assert.Equal(t, uint64(2), loaded.Version)

	// The first holder's copy is now stale.
	stale := testSnapshot("key-1")
	stale.Version = 1
	err = st.Snapshots.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// A duplicate INSERT race also surfaces as a version conflict.
	fresh := testSnapshot("key-1")
	err = st.Snapshots.Save(ctx, fresh)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestSnapshotStore_LoadMissing(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Snapshots.Load(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotStore_FindProvisionalOlderThan(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	stuck := testSnapshot("key-stuck")
	stuck.Recon = domain.ReconProvisional
	stuck.ProvisionalID = "T-STUCK"
	require.NoError(t, st.Snapshots.Save(ctx, stuck))

	fine := testSnapshot("key-fine")
	require.NoError(t, st.Snapshots.Save(ctx, fine))

	found, err := st.Snapshots.FindProvisionalOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "key-stuck", found[0].PositionKey)
	assert.Equal(t, "T-STUCK", found[0].ProvisionalID)

	found, err = st.Snapshots.FindProvisionalOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, found, "recent provisional rows are not stale")
}

func TestIdempotency(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seen, _, err := st.Idempotency.Check(ctx, "T-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, st.Idempotency.Record(ctx, "T-1", "key-1", 4, IdemProcessed))

	seen, rec, err := st.Idempotency.Check(ctx, "T-1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, "key-1", rec.PositionKey)
	assert.Equal(t, uint64(4), rec.EventVer)
	assert.Equal(t, IdemProcessed, rec.Status)

	err = st.Idempotency.Record(ctx, "T-1", "key-1", 5, IdemProcessed)
	assert.ErrorIs(t, err, ErrDuplicate)

	n, err := st.Idempotency.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(tx *Store) error {
		require.NoError(t, tx.Events.Append(ctx, testEvent("key-1", 1, now, now)))
		require.NoError(t, tx.Idempotency.Record(ctx, "T-1", "key-1", 1, IdemProcessed))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	events, err := st.Events.List(ctx, "key-1")
	require.NoError(t, err)
	assert.Empty(t, events, "rolled-back events must not persist")

	seen, _, err := st.Idempotency.Check(ctx, "T-1")
	require.NoError(t, err)
	assert.False(t, seen, "rolled-back idempotency must not persist")
}

func TestWithinTx_CommitsTriad(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.WithinTx(ctx, func(tx *Store) error {
		if err := tx.Events.Append(ctx, testEvent("key-1", 1, now, now)); err != nil {
			return err
		}
		if err := tx.Snapshots.Save(ctx, testSnapshot("key-1")); err != nil {
			return err
		}
		return tx.Idempotency.Record(ctx, "T-1", "key-1", 1, IdemProcessed)
	})
	require.NoError(t, err)

	events, err := st.Events.List(ctx, "key-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	_, err = st.Snapshots.Load(ctx, "key-1")
	assert.NoError(t, err)
}

func TestAuditStores(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UPI.Append(ctx, "key-1", domain.UPICreated, 1, "alice"))
	require.NoError(t, st.UPI.Append(ctx, "key-1", domain.UPITerminated, 5, ""))
	entries, err := st.UPI.ListByPosition(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.UPICreated, entries[0].Action)
	assert.Equal(t, "alice", entries[0].UserID)

	_, err = st.Breaks.RecordBreak(ctx, "key-1", "qty drift", decimal.NewFromInt(-20))
	require.NoError(t, err)
	n, err := st.Breaks.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	resolved, err := st.Breaks.ResolveForPosition(ctx, "key-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, resolved)
	n, err = st.Breaks.CountOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err := st.Regulatory.Enqueue(ctx, "key-1", 5, domain.EventPositionClosed)
	require.NoError(t, err)
	pending, err := st.Regulatory.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	require.NoError(t, st.Regulatory.MarkSubmitted(ctx, id))
	pending, err = st.Regulatory.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.ErrorIs(t, st.Regulatory.MarkSubmitted(ctx, id), ErrNotFound)
}
