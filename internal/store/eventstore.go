package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eqswap/positions-engine/internal/domain"
	"github.com/eqswap/positions-engine/internal/poskey"
)

// EventStore is the append-only log keyed by (position_key, event_ver).
// Rows are never updated or deleted while archival_flag is unset; the
// archival sweep flips the flag wholesale per partition.
type EventStore struct {
	dbtx       DBTX
	partitions int
}

// canonicalOrder is the replay ordering: valid time, then transaction time,
// then version. RFC3339 strings in UTC sort lexicographically, so the
// database can order directly on the text columns.
const canonicalOrder = "effective_date ASC, occurred_at ASC, event_ver ASC"

// NextVersion returns max(event_ver)+1 over all events for the key, or 1 for
// a fresh key. Archived rows count too: they still occupy their slot in the
// primary key, so skipping them would hand out versions that can never
// insert.
func (s *EventStore) NextVersion(ctx context.Context, key string) (uint64, error) {
	var maxVer sql.NullInt64
	err := s.dbtx.QueryRowContext(ctx,
		`SELECT MAX(event_ver) FROM event_store WHERE position_key = ?`, key,
	).Scan(&maxVer)
	if err != nil {
		return 0, fmt.Errorf("next version for %s: %w", key, err)
	}
	if !maxVer.Valid {
		return 1, nil
	}
	return uint64(maxVer.Int64) + 1, nil
}

// Append inserts one event. A colliding (position_key, event_ver) yields
// ErrVersionConflict; the caller re-reads NextVersion and retries.
func (s *EventStore) Append(ctx context.Context, ev *domain.Event) error {
	var metaLots any
	if len(ev.MetaLots) > 0 {
		data, err := json.Marshal(ev.MetaLots)
		if err != nil {
			return fmt.Errorf("marshal meta lots: %w", err)
		}
		metaLots = string(data)
	}

	_, err := s.dbtx.ExecContext(ctx, `
		INSERT INTO event_store
		(position_key, event_ver, event_type, effective_date, occurred_at, payload,
		 meta_lots, correlation_id, causation_id, contract_id, user_id, archival_flag, partition_no)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		ev.PositionKey,
		ev.EventVer,
		string(ev.EventType),
		ev.EffectiveDate.UTC().Format(time.RFC3339Nano),
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(ev.Payload),
		metaLots,
		nullString(ev.CorrelationID),
		nullString(ev.CausationID),
		nullString(ev.ContractID),
		nullString(ev.UserID),
		poskey.Partition(ev.PositionKey, s.partitions),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("append %s v%d: %w", ev.PositionKey, ev.EventVer, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("append %s v%d: %w", ev.PositionKey, ev.EventVer, err)
	}
	return nil
}

// List returns all non-archived events for the key in canonical replay
// order.
func (s *EventStore) List(ctx context.Context, key string) ([]domain.Event, error) {
	return s.query(ctx, `
		SELECT `+eventColumns+` FROM event_store
		WHERE position_key = ? AND archival_flag = 0
		ORDER BY `+canonicalOrder, key)
}

// ListAsOf returns non-archived events with effective_date <= asOf, in
// canonical order. The coldpath uses it to build its baseline.
func (s *EventStore) ListAsOf(ctx context.Context, key string, asOf time.Time) ([]domain.Event, error) {
	return s.query(ctx, `
		SELECT `+eventColumns+` FROM event_store
		WHERE position_key = ? AND archival_flag = 0 AND effective_date <= ?
		ORDER BY `+canonicalOrder,
		key, asOf.UTC().Format(time.RFC3339Nano))
}

// Range returns events with fromVer <= event_ver <= toVer in version order.
func (s *EventStore) Range(ctx context.Context, key string, fromVer, toVer uint64) ([]domain.Event, error) {
	return s.query(ctx, `
		SELECT `+eventColumns+` FROM event_store
		WHERE position_key = ? AND event_ver BETWEEN ? AND ?
		ORDER BY event_ver ASC`,
		key, fromVer, toVer)
}

// FindByCorrelation returns all events carrying the correlation id, across
// positions, in transaction-time order.
func (s *EventStore) FindByCorrelation(ctx context.Context, correlationID string) ([]domain.Event, error) {
	return s.query(ctx, `
		SELECT `+eventColumns+` FROM event_store
		WHERE correlation_id = ?
		ORDER BY occurred_at ASC, event_ver ASC`, correlationID)
}

// MarkPartitionArchived flags all events in a partition older than cutoff.
// Flagged events drop out of NextVersion, List and replay; the rows
// themselves stay for the archival tier to drain.
func (s *EventStore) MarkPartitionArchived(ctx context.Context, partition int, cutoff time.Time) (int64, error) {
	res, err := s.dbtx.ExecContext(ctx, `
		UPDATE event_store SET archival_flag = 1
		WHERE partition_no = ? AND occurred_at < ? AND archival_flag = 0`,
		partition, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("archive partition %d: %w", partition, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

const eventColumns = `position_key, event_ver, event_type, effective_date, occurred_at,
	payload, meta_lots, correlation_id, causation_id, contract_id, user_id, archival_flag`

func (s *EventStore) query(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := s.dbtx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var (
		ev                                         domain.Event
		effective, occurred, payload               string
		metaLots, corrID, causID, contract, userID sql.NullString
		archived                                   int
	)
	err := rows.Scan(&ev.PositionKey, &ev.EventVer, (*string)(&ev.EventType),
		&effective, &occurred, &payload, &metaLots, &corrID, &causID, &contract, &userID, &archived)
	if err != nil {
		return domain.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if ev.EffectiveDate, err = parseTime(effective); err != nil {
		return domain.Event{}, err
	}
	if ev.OccurredAt, err = parseTime(occurred); err != nil {
		return domain.Event{}, err
	}
	ev.Payload = []byte(payload)
	if metaLots.Valid && metaLots.String != "" {
		if err := json.Unmarshal([]byte(metaLots.String), &ev.MetaLots); err != nil {
			return domain.Event{}, fmt.Errorf("decode meta lots for %s v%d: %w", ev.PositionKey, ev.EventVer, err)
		}
	}
	ev.CorrelationID = corrID.String
	ev.CausationID = causID.String
	ev.ContractID = contract.String
	ev.UserID = userID.String
	ev.Archived = archived != 0
	return ev, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
