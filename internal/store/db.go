// Package store persists the engine's durable state in SQLite: the
// append-only event log, the overwrite-on-update snapshots, the idempotency
// ledger, and the three audit tables (upi_history, reconciliation_breaks,
// regulatory_submissions).
//
// Every sub-store runs against a DBTX, which either the shared *sql.DB or a
// single transaction satisfies. The hotpath uses WithinTx to commit its
// event/snapshot/idempotency triad atomically.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// DBTX is the subset of database/sql both *sql.DB and *sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store bundles all sub-stores over one connection (or one transaction).
type Store struct {
	db         *sql.DB // nil when bound to a transaction
	dbtx       DBTX
	partitions int
	log        zerolog.Logger

	Events      *EventStore
	Snapshots   *SnapshotStore
	Idempotency *IdempotencyStore
	UPI         *UPIStore
	Breaks      *BreakStore
	Regulatory  *RegulatoryStore
}

// Open opens (creating if necessary) the SQLite database at path with WAL
// journaling and runs the embedded migrations.
func Open(path string, partitions int, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite writer; per-key serialization happens upstream

	s := newStore(db, db, partitions, log)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, dbtx DBTX, partitions int, log zerolog.Logger) *Store {
	s := &Store{
		db:         db,
		dbtx:       dbtx,
		partitions: partitions,
		log:        log.With().Str("component", "store").Logger(),
	}
	s.Events = &EventStore{dbtx: dbtx, partitions: partitions}
	s.Snapshots = &SnapshotStore{dbtx: dbtx}
	s.Idempotency = &IdempotencyStore{dbtx: dbtx}
	s.UPI = &UPIStore{dbtx: dbtx}
	s.Breaks = &BreakStore{dbtx: dbtx}
	s.Regulatory = &RegulatoryStore{dbtx: dbtx}
	return s
}

// WithinTx runs fn against a Store view bound to a single transaction.
// Rolls back on error or panic, commits otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) (err error) {
	if s.db == nil {
		return fmt.Errorf("store: nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	view := newStore(nil, tx, s.partitions, s.log)
	if err = fn(view); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.dbtx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS event_store (
		position_key   TEXT    NOT NULL,
		event_ver      INTEGER NOT NULL,
		event_type     TEXT    NOT NULL,
		effective_date TEXT    NOT NULL,
		occurred_at    TEXT    NOT NULL,
		payload        TEXT    NOT NULL,
		meta_lots      TEXT,
		correlation_id TEXT,
		causation_id   TEXT,
		contract_id    TEXT,
		user_id        TEXT,
		archival_flag  INTEGER NOT NULL DEFAULT 0,
		partition_no   INTEGER NOT NULL,
		PRIMARY KEY (position_key, event_ver)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_correlation ON event_store (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_event_partition ON event_store (partition_no, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS snapshot_store (
		position_key         TEXT PRIMARY KEY,
		account              TEXT NOT NULL,
		instrument           TEXT NOT NULL,
		currency             TEXT NOT NULL,
		direction            TEXT NOT NULL,
		contract_id          TEXT,
		status               TEXT NOT NULL,
		recon_status         TEXT NOT NULL,
		provisional_trade_id TEXT,
		total_qty            TEXT NOT NULL,
		last_ver             INTEGER NOT NULL,
		lots                 TEXT NOT NULL,
		summary_metrics      TEXT,
		version              INTEGER NOT NULL,
		latest_effective     TEXT NOT NULL,
		last_updated_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_account ON snapshot_store (account)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_instrument ON snapshot_store (instrument)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_contract ON snapshot_store (contract_id)`,
	`CREATE TABLE IF NOT EXISTS idempotency_store (
		trade_id     TEXT PRIMARY KEY,
		position_key TEXT NOT NULL,
		event_ver    INTEGER NOT NULL,
		status       TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS upi_history (
		history_id   TEXT PRIMARY KEY,
		position_key TEXT NOT NULL,
		action       TEXT NOT NULL,
		event_ver    INTEGER NOT NULL,
		user_id      TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_upi_position ON upi_history (position_key)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_breaks (
		break_id     TEXT PRIMARY KEY,
		position_key TEXT NOT NULL,
		detail       TEXT NOT NULL,
		qty_delta    TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		resolved_at  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_breaks_status ON reconciliation_breaks (status)`,
	`CREATE TABLE IF NOT EXISTS regulatory_submissions (
		submission_id TEXT PRIMARY KEY,
		position_key  TEXT NOT NULL,
		event_ver     INTEGER NOT NULL,
		event_type    TEXT NOT NULL,
		status        TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		submitted_at  TEXT
	)`,
}
