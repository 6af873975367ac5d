package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
)

// SnapshotStore holds one denormalized row per position key with an
// optimistic-lock version. Save rewrites the whole row; concurrent savers
// lose and must reload.
type SnapshotStore struct {
	dbtx DBTX
}

// Load fetches the snapshot for a key, or ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context, key string) (*domain.Snapshot, error) {
	row := s.dbtx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshot_store WHERE position_key = ?`, key)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save persists the snapshot. snap.Version must be the version that was
// loaded (zero for a new position); on success the stored and in-memory
// version advance by one. A lost optimistic check returns
// ErrVersionConflict.
func (s *SnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	now := time.Now().UTC()
	snap.LastUpdatedAt = now

	if snap.Version == 0 {
		_, err := s.dbtx.ExecContext(ctx, `
			INSERT INTO snapshot_store (`+snapshotColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.PositionKey, snap.Account, snap.Instrument, snap.Currency,
			string(snap.Direction), nullString(snap.ContractID), string(snap.Status),
			string(snap.Recon), nullString(snap.ProvisionalID),
			snap.TotalQty.String(), snap.LastVer, string(snap.CompressedLots),
			nullString(string(snap.SummaryMetrics)), 1,
			snap.LatestEffective.UTC().Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("save new snapshot %s: %w", snap.PositionKey, ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("save new snapshot %s: %w", snap.PositionKey, err)
		}
		snap.Version = 1
		return nil
	}

	res, err := s.dbtx.ExecContext(ctx, `
		UPDATE snapshot_store SET
			account = ?, instrument = ?, currency = ?, direction = ?, contract_id = ?,
			status = ?, recon_status = ?, provisional_trade_id = ?, total_qty = ?,
			last_ver = ?, lots = ?, summary_metrics = ?, version = version + 1,
			latest_effective = ?, last_updated_at = ?
		WHERE position_key = ? AND version = ?`,
		snap.Account, snap.Instrument, snap.Currency, string(snap.Direction),
		nullString(snap.ContractID), string(snap.Status), string(snap.Recon),
		nullString(snap.ProvisionalID), snap.TotalQty.String(), snap.LastVer,
		string(snap.CompressedLots), nullString(string(snap.SummaryMetrics)),
		snap.LatestEffective.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		snap.PositionKey, snap.Version,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.PositionKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("save snapshot %s at v%d: %w", snap.PositionKey, snap.Version, ErrVersionConflict)
	}
	snap.Version++
	return nil
}

// FindByAccount returns snapshots for an account, paged by (limit, offset).
func (s *SnapshotStore) FindByAccount(ctx context.Context, account string, limit, offset int) ([]domain.Snapshot, error) {
	return s.find(ctx, "account", account, limit, offset)
}

// FindByInstrument returns snapshots for an instrument, paged.
func (s *SnapshotStore) FindByInstrument(ctx context.Context, instrument string, limit, offset int) ([]domain.Snapshot, error) {
	return s.find(ctx, "instrument", instrument, limit, offset)
}

// FindByContract returns snapshots for a contract, paged.
func (s *SnapshotStore) FindByContract(ctx context.Context, contractID string, limit, offset int) ([]domain.Snapshot, error) {
	return s.find(ctx, "contract_id", contractID, limit, offset)
}

// FindProvisionalOlderThan returns snapshots stuck in PROVISIONAL since
// before the cutoff. The stale-provisional detector scans with this.
func (s *SnapshotStore) FindProvisionalOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Snapshot, error) {
	rows, err := s.dbtx.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshot_store
		WHERE recon_status = ? AND last_updated_at < ?
		ORDER BY last_updated_at ASC`,
		string(domain.ReconProvisional), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("find stale provisional: %w", err)
	}
	return collectSnapshots(rows)
}

func (s *SnapshotStore) find(ctx context.Context, column, value string, limit, offset int) ([]domain.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.dbtx.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshot_store
		WHERE `+column+` = ?
		ORDER BY position_key LIMIT ? OFFSET ?`, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find snapshots by %s: %w", column, err)
	}
	return collectSnapshots(rows)
}

const snapshotColumns = `position_key, account, instrument, currency, direction, contract_id,
	status, recon_status, provisional_trade_id, total_qty, last_ver, lots,
	summary_metrics, version, latest_effective, last_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*domain.Snapshot, error) {
	var (
		snap                             domain.Snapshot
		contractID, provisional, metrics sql.NullString
		totalQty, latest, updated, lots  string
	)
	err := row.Scan(&snap.PositionKey, &snap.Account, &snap.Instrument, &snap.Currency,
		(*string)(&snap.Direction), &contractID, (*string)(&snap.Status), (*string)(&snap.Recon),
		&provisional, &totalQty, &snap.LastVer, &lots, &metrics, &snap.Version, &latest, &updated)
	if err != nil {
		return nil, err
	}
	snap.ContractID = contractID.String
	snap.ProvisionalID = provisional.String
	snap.CompressedLots = []byte(lots)
	if metrics.Valid {
		snap.SummaryMetrics = []byte(metrics.String)
	}
	if snap.TotalQty, err = decimal.NewFromString(totalQty); err != nil {
		return nil, fmt.Errorf("decode total qty %q: %w", totalQty, err)
	}
	if snap.LatestEffective, err = parseTime(latest); err != nil {
		return nil, err
	}
	if snap.LastUpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &snap, nil
}

func collectSnapshots(rows *sql.Rows) ([]domain.Snapshot, error) {
	defer rows.Close()
	var snaps []domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}
