// Package worker drains the embedding job queue: each worker claims jobs,
// generates vectors, and writes them back, with failed jobs retried on a
// backoff schedule by the queue itself.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbrichman/scry/internal/embed"
	"github.com/mbrichman/scry/internal/storage"
)

// JobStore abstracts the queue and message operations a worker needs.
type JobStore interface {
	ClaimJob(workerID, kind string) (*storage.Job, error)
	CompleteJob(id int64) error
	FailJob(id int64, errMsg string) error
	FailJobTerminal(id int64, errMsg string) error
	GetMessage(id int64) (*storage.Message, error)
	UpsertEmbedding(messageID int64, model string, vector []float32) error
}

// errBadPayload marks a payload that can never be processed, no matter how
// often the job is retried.
var errBadPayload = errors.New("malformed job payload")

// Worker processes generate_embedding jobs from the queue.
type Worker struct {
	store    JobStore
	embedder embed.Embedder
	id       string
	poll     time.Duration
	logger   *slog.Logger
}

// New creates a Worker with a unique claim identity. If pollInterval is
// <= 0, it defaults to 500ms.
func New(store JobStore, embedder embed.Embedder, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		id:       "worker-" + uuid.New().String(),
		poll:     pollInterval,
		logger:   logger,
	}
}

// ID returns the worker's claim identity, recorded on jobs it runs.
func (w *Worker) ID() string {
	return w.id
}

// Run polls for jobs until ctx is cancelled. After an empty poll the worker
// sleeps for the poll interval; after a processed job it polls again
// immediately to drain bursts.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "worker", w.id, "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed, regardless of success or failure.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(w.id, storage.JobKindEmbedding)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts, "error", err)
		if isTerminal(err) {
			if failErr := w.store.FailJobTerminal(job.ID, err.Error()); failErr != nil {
				w.logger.Error("failed to mark job terminally failed", "job_id", job.ID, "error", failErr)
			}
		} else if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %d: %w", job.ID, err)
	}
	return true, nil
}

// isTerminal reports whether retrying the job could ever succeed. A payload
// that does not parse or a message that no longer exists will fail the same
// way on every attempt.
func isTerminal(err error) bool {
	return errors.Is(err, errBadPayload) || errors.Is(err, storage.ErrNotFound)
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload storage.EmbeddingPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if payload.MessageID <= 0 {
		return fmt.Errorf("%w: message_id %d", errBadPayload, payload.MessageID)
	}

	msg, err := w.store.GetMessage(payload.MessageID)
	if err != nil {
		return fmt.Errorf("loading message %d: %w", payload.MessageID, err)
	}

	vec, err := w.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return fmt.Errorf("embedding message %d: %w", msg.ID, err)
	}

	if err := w.store.UpsertEmbedding(msg.ID, w.embedder.Model(), vec); err != nil {
		return fmt.Errorf("storing embedding for message %d: %w", msg.ID, err)
	}

	return nil
}

// RunPool starts n workers sharing one queue and blocks until ctx is
// cancelled and all workers have returned.
func RunPool(ctx context.Context, store JobStore, embedder embed.Embedder, n int, pollInterval time.Duration, logger *slog.Logger) {
	if n < 1 {
		n = 1
	}

	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		w := New(store, embedder, pollInterval, logger)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	g.Wait()
}
