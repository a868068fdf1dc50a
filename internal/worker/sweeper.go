package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbrichman/scry/internal/storage"
)

// Sweeper runs periodic queue maintenance: it re-enqueues messages whose
// embeddings have gone stale (edits, model changes, or lost jobs), returns
// jobs abandoned by dead workers to the queue, and prunes old finished jobs.
type Sweeper struct {
	store    *storage.Store
	model    string
	interval time.Duration
	// liveness is how long a running job may go untouched before it is
	// presumed abandoned.
	liveness  time.Duration
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// SweeperOptions configures a Sweeper. Zero values get defaults.
type SweeperOptions struct {
	Interval  time.Duration
	Liveness  time.Duration
	Retention time.Duration
	BatchSize int
}

// NewSweeper creates a Sweeper for the given embedding model.
func NewSweeper(store *storage.Store, model string, opts SweeperOptions, logger *slog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Liveness <= 0 {
		opts.Liveness = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Sweeper{
		store:     store,
		model:     model,
		interval:  opts.Interval,
		liveness:  opts.Liveness,
		retention: opts.Retention,
		batchSize: opts.BatchSize,
		logger:    logger,
	}
}

// SweepStats reports what one sweep did.
type SweepStats struct {
	Enqueued int
	Reaped   int
	Pruned   int
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately on startup so a restart repairs the queue without
// waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		stats, err := s.SweepOnce()
		if err != nil {
			s.logger.Error("sweep failed", "error", err)
		} else if stats.Enqueued > 0 || stats.Reaped > 0 || stats.Pruned > 0 {
			s.logger.Info("sweep complete",
				"enqueued", stats.Enqueued, "reaped", stats.Reaped, "pruned", stats.Pruned)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce performs a single maintenance pass.
func (s *Sweeper) SweepOnce() (SweepStats, error) {
	var stats SweepStats

	reaped, err := s.store.ReapStuckJobs(s.liveness)
	if err != nil {
		return stats, fmt.Errorf("reaping stuck jobs: %w", err)
	}
	stats.Reaped = reaped

	ids, err := s.store.StaleMessageIDs(s.model, s.batchSize)
	if err != nil {
		return stats, fmt.Errorf("finding stale messages: %w", err)
	}
	for _, id := range ids {
		if err := s.store.EnqueueEmbeddingJob(id); err != nil {
			return stats, fmt.Errorf("enqueueing message %d: %w", id, err)
		}
		stats.Enqueued++
	}

	pruned, err := s.store.PruneJobs(s.retention)
	if err != nil {
		return stats, fmt.Errorf("pruning finished jobs: %w", err)
	}
	stats.Pruned = pruned

	return stats, nil
}
