// Package sweep runs the engine's background maintenance on cron schedules:
// idempotency retention, event-log archival flagging, and the detector for
// positions stuck in PROVISIONAL.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/eqswap/positions-engine/internal/store"
)

// Config holds the sweep cadences and windows. Schedules use cron syntax
// (descriptors like "@every 15m" work too).
type Config struct {
	RetentionSchedule    string        // idempotency purge
	ArchivalSchedule     string        // event archival flagging
	StaleScanSchedule    string        // stale PROVISIONAL detector
	IdempotencyRetention time.Duration // ledger rows older than this are purged
	EventRetention       time.Duration // events older than this are flagged archived
	StaleAfter           time.Duration // PROVISIONAL older than this is stalled
	Partitions           int
}

// DefaultConfig returns conservative production cadences.
func DefaultConfig(partitions int) Config {
	return Config{
		RetentionSchedule:    "@every 1h",
		ArchivalSchedule:     "@daily",
		StaleScanSchedule:    "@every 15m",
		IdempotencyRetention: 7 * 24 * time.Hour,
		EventRetention:       365 * 24 * time.Hour,
		StaleAfter:           30 * time.Minute,
		Partitions:           16,
	}
}

// Sweeper owns the cron runner and the three jobs. Jobs are also exported as
// plain methods so operators (and tests) can trigger them directly.
type Sweeper struct {
	store *store.Store
	cfg   Config
	cron  *cron.Cron
	log   zerolog.Logger
}

// New builds a sweeper; Start registers and launches the schedules.
func New(st *store.Store, cfg Config, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store: st,
		cfg:   cfg,
		cron:  cron.New(),
		log:   log.With().Str("component", "sweep").Logger(),
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Sweeper) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"retention", s.cfg.RetentionSchedule, s.RunRetention},
		{"archival", s.cfg.ArchivalSchedule, s.RunArchival},
		{"stale_scan", s.cfg.StaleScanSchedule, s.RunStaleScan},
	}
	for _, j := range jobs {
		j := j
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, func() {
			if err := j.run(context.Background()); err != nil {
				s.log.Error().Err(err).Str("job", j.name).Msg("sweep job failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s job: %w", j.name, err)
		}
	}
	s.cron.Start()
	s.log.Info().Msg("sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunRetention purges idempotency rows past the retention window. The window
// only has to outlive the bus's redelivery horizon.
func (s *Sweeper) RunRetention(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.IdempotencyRetention)
	n, err := s.store.Idempotency.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	s.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("idempotency retention sweep")
	return nil
}

// RunArchival flags events older than the retention window, one partition at
// a time so a long sweep never holds the writer for the whole log.
func (s *Sweeper) RunArchival(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.EventRetention)
	var total int64
	for part := 0; part < s.cfg.Partitions; part++ {
		n, err := s.store.Events.MarkPartitionArchived(ctx, part, cutoff)
		if err != nil {
			return fmt.Errorf("partition %d: %w", part, err)
		}
		total += n
	}
	s.log.Info().Int64("flagged", total).Time("cutoff", cutoff).Msg("event archival sweep")
	return nil
}

// RunStaleScan finds positions stuck in PROVISIONAL longer than StaleAfter,
// meaning a recalculation started and never converged. Each one opens a
// reconciliation break for the operations queue.
func (s *Sweeper) RunStaleScan(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	snaps, err := s.store.Snapshots.FindProvisionalOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range snaps {
		snap := &snaps[i]
		s.log.Warn().
			Str("position_key", snap.PositionKey).
			Str("provisional_trade_id", snap.ProvisionalID).
			Time("last_updated", snap.LastUpdatedAt).
			Msg("stale provisional position")
		_, err := s.store.Breaks.RecordBreak(ctx, snap.PositionKey,
			"recalculation for trade "+snap.ProvisionalID+" stalled", decimal.Zero)
		if err != nil {
			return err
		}
	}
	if len(snaps) > 0 {
		s.log.Warn().Int("count", len(snaps)).Msg("stale provisional scan found stalled positions")
	}
	return nil
}
