package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/domain"
)

// UPIStore appends lifecycle audit rows: one per CREATED / TERMINATED /
// REOPENED / CORRECTED transition of a position.
type UPIStore struct {
	dbtx DBTX
}

// Append records one lifecycle action.
func (s *UPIStore) Append(ctx context.Context, positionKey string, action domain.UPIAction, eventVer uint64, userID string) error {
	_, err := s.dbtx.ExecContext(ctx, `
		INSERT INTO upi_history (history_id, position_key, action, event_ver, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), positionKey, string(action), eventVer,
		nullString(userID), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append upi history for %s: %w", positionKey, err)
	}
	return nil
}

// UPIEntry is one lifecycle audit row.
type UPIEntry struct {
	HistoryID   string
	PositionKey string
	Action      domain.UPIAction
	EventVer    uint64
	UserID      string
	CreatedAt   time.Time
}

// ListByPosition returns a position's lifecycle history, oldest first.
func (s *UPIStore) ListByPosition(ctx context.Context, positionKey string) ([]UPIEntry, error) {
	rows, err := s.dbtx.QueryContext(ctx, `
		SELECT history_id, position_key, action, event_ver, COALESCE(user_id, ''), created_at
		FROM upi_history WHERE position_key = ? ORDER BY created_at ASC`, positionKey)
	if err != nil {
		return nil, fmt.Errorf("list upi history: %w", err)
	}
	defer rows.Close()

	var entries []UPIEntry
	for rows.Next() {
		var (
			e       UPIEntry
			created string
		)
		if err := rows.Scan(&e.HistoryID, &e.PositionKey, (*string)(&e.Action), &e.EventVer, &e.UserID, &created); err != nil {
			return nil, fmt.Errorf("scan upi entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BreakStatus is the lifecycle of a reconciliation break.
type BreakStatus string

const (
	BreakOpen     BreakStatus = "OPEN"
	BreakResolved BreakStatus = "RESOLVED"
)

// BreakStore records out-of-band discrepancies found by the coldpath and the
// stale-provisional detector.
type BreakStore struct {
	dbtx DBTX
}

// RecordBreak opens a new break for a position.
func (s *BreakStore) RecordBreak(ctx context.Context, positionKey, detail string, qtyDelta decimal.Decimal) (string, error) {
	id := uuid.NewString()
	_, err := s.dbtx.ExecContext(ctx, `
		INSERT INTO reconciliation_breaks (break_id, position_key, detail, qty_delta, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, positionKey, detail, qtyDelta.String(), string(BreakOpen),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("record break for %s: %w", positionKey, err)
	}
	return id, nil
}

// ResolveForPosition closes every open break for a position. Called when a
// coldpath run converges.
func (s *BreakStore) ResolveForPosition(ctx context.Context, positionKey string) (int64, error) {
	res, err := s.dbtx.ExecContext(ctx, `
		UPDATE reconciliation_breaks SET status = ?, resolved_at = ?
		WHERE position_key = ? AND status = ?`,
		string(BreakResolved), time.Now().UTC().Format(time.RFC3339Nano),
		positionKey, string(BreakOpen))
	if err != nil {
		return 0, fmt.Errorf("resolve breaks for %s: %w", positionKey, err)
	}
	return res.RowsAffected()
}

// CountOpen returns the number of open breaks across all positions.
func (s *BreakStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.dbtx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconciliation_breaks WHERE status = ?`, string(BreakOpen)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open breaks: %w", err)
	}
	return n, nil
}

// SubmissionStatus tracks a regulatory submission's progress. Content
// generation lives elsewhere; only tracking is persisted here.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "PENDING"
	SubmissionSubmitted SubmissionStatus = "SUBMITTED"
)

// RegulatoryStore tracks which lifecycle events still owe a regulatory
// submission.
type RegulatoryStore struct {
	dbtx DBTX
}

// Enqueue records that a lifecycle event requires submission.
func (s *RegulatoryStore) Enqueue(ctx context.Context, positionKey string, eventVer uint64, eventType domain.EventType) (string, error) {
	id := uuid.NewString()
	_, err := s.dbtx.ExecContext(ctx, `
		INSERT INTO regulatory_submissions (submission_id, position_key, event_ver, event_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, positionKey, eventVer, string(eventType), string(SubmissionPending),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("enqueue submission for %s: %w", positionKey, err)
	}
	return id, nil
}

// MarkSubmitted flips a submission to SUBMITTED.
func (s *RegulatoryStore) MarkSubmitted(ctx context.Context, submissionID string) error {
	res, err := s.dbtx.ExecContext(ctx, `
		UPDATE regulatory_submissions SET status = ?, submitted_at = ?
		WHERE submission_id = ? AND status = ?`,
		string(SubmissionSubmitted), time.Now().UTC().Format(time.RFC3339Nano),
		submissionID, string(SubmissionPending))
	if err != nil {
		return fmt.Errorf("mark submitted %s: %w", submissionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("mark submitted %s: %w", submissionID, ErrNotFound)
	}
	return nil
}

// CountPending returns how many submissions are outstanding.
func (s *RegulatoryStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.dbtx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM regulatory_submissions WHERE status = ?`, string(SubmissionPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending submissions: %w", err)
	}
	return n, nil
}
