package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IdemStatus records the terminal outcome of a trade.
type IdemStatus string

const (
	IdemProcessed IdemStatus = "PROCESSED"
	IdemFailed    IdemStatus = "FAILED"
)

// IdemRecord maps a trade id to where and how it was applied.
type IdemRecord struct {
	TradeID     string
	PositionKey string
	EventVer    uint64
	Status      IdemStatus
	CreatedAt   time.Time
}

// IdempotencyStore provides at-most-once application: a unique index on
// trade_id serves both deduplication and outcome recall.
type IdempotencyStore struct {
	dbtx DBTX
}

// Check reports whether the trade id was already applied and, if so, its
// outcome.
func (s *IdempotencyStore) Check(ctx context.Context, tradeID string) (bool, *IdemRecord, error) {
	var (
		rec     IdemRecord
		status  string
		created string
	)
	err := s.dbtx.QueryRowContext(ctx, `
		SELECT trade_id, position_key, event_ver, status, created_at
		FROM idempotency_store WHERE trade_id = ?`, tradeID,
	).Scan(&rec.TradeID, &rec.PositionKey, &rec.EventVer, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("check idempotency %s: %w", tradeID, err)
	}
	rec.Status = IdemStatus(status)
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return false, nil, err
	}
	return true, &rec, nil
}

// Record inserts the outcome for a trade id. A second insert for the same id
// returns ErrDuplicate, which concurrent submitters treat as "the other
// writer won" and re-read.
func (s *IdempotencyStore) Record(ctx context.Context, tradeID, positionKey string, eventVer uint64, status IdemStatus) error {
	_, err := s.dbtx.ExecContext(ctx, `
		INSERT INTO idempotency_store (trade_id, position_key, event_ver, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		tradeID, positionKey, eventVer, string(status), time.Now().UTC().Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return fmt.Errorf("record idempotency %s: %w", tradeID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("record idempotency %s: %w", tradeID, err)
	}
	return nil
}

// Purge deletes records created before the cutoff. The retention sweep runs
// this on a schedule; the window just has to exceed the bus's redelivery
// horizon.
func (s *IdempotencyStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.dbtx.ExecContext(ctx,
		`DELETE FROM idempotency_store WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency: %w", err)
	}
	return res.RowsAffected()
}
