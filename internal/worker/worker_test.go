package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbrichman/scry/internal/storage"
)

const testModel = "test-embed"

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) Model() string { return testModel }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seedMessage creates one conversation with one message, which also
// enqueues its embedding job.
func seedMessage(t *testing.T, store *storage.Store, content string) storage.Message {
	t.Helper()
	conv, err := store.CreateConversation("test", []storage.NewMessage{
		{Role: storage.RoleUser, Content: content},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv.Messages[0]
}

// pendingJobID returns the single pending embedding job, failing the test
// if the queue does not hold exactly one.
func pendingJobID(t *testing.T, store *storage.Store) int64 {
	t.Helper()
	var id int64
	err := store.DB().QueryRow(`SELECT id FROM jobs WHERE status = 'pending' AND kind = ?`,
		storage.JobKindEmbedding).Scan(&id)
	if err != nil {
		t.Fatalf("finding pending job: %v", err)
	}
	return id
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	store := openTestStore(t)
	w := New(store, &stubEmbedder{vec: []float32{1, 0}}, 0, testLogger())

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce() = true on an empty queue, want false")
	}
}

func TestRunOnce_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	msg := seedMessage(t, store, "hello world")
	jobID := pendingJobID(t, store)

	w := New(store, &stubEmbedder{vec: []float32{0.5, 0.5}}, 0, testLogger())
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce() = false, want a processed job")
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want %q", job.Status, storage.JobCompleted)
	}

	emb, err := store.GetEmbedding(msg.ID)
	if err != nil {
		t.Fatalf("GetEmbedding: %v", err)
	}
	if emb.Model != testModel {
		t.Errorf("embedding model = %q, want %q", emb.Model, testModel)
	}

	stale, err := store.IsEmbeddingStale(msg.ID, testModel)
	if err != nil {
		t.Fatalf("IsEmbeddingStale: %v", err)
	}
	if stale {
		t.Error("embedding reported stale immediately after processing")
	}
}

func TestRunOnce_TransientFailureRequeues(t *testing.T) {
	store := openTestStore(t)
	seedMessage(t, store, "hello world")
	jobID := pendingJobID(t, store)

	emb := &stubEmbedder{err: errors.New("connection refused")}
	w := New(store, emb, 0, testLogger())

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce() = false, want a processed job")
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobPending {
		t.Fatalf("job status = %q, want requeued as %q", job.Status, storage.JobPending)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if !job.NotBefore.After(time.Now()) {
		t.Error("requeued job has no backoff delay")
	}
	if job.LastError == "" {
		t.Error("requeued job has no last_error")
	}

	// Job is not eligible again until its backoff elapses.
	done, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("claimed a job still inside its backoff window")
	}

	// Recover the embedder, expire the backoff, and the job completes.
	emb.err = nil
	emb.vec = []float32{1, 0}
	past := time.Now().Add(-time.Minute).UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	if _, err := store.DB().Exec(`UPDATE jobs SET not_before = ? WHERE id = ?`, past, jobID); err != nil {
		t.Fatalf("expiring backoff: %v", err)
	}

	if done, err = w.RunOnce(context.Background()); err != nil || !done {
		t.Fatalf("RunOnce after recovery: done=%v err=%v", done, err)
	}
	job, err = store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want %q", job.Status, storage.JobCompleted)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}
}

func TestRunOnce_ExhaustedAttemptsFail(t *testing.T) {
	store := openTestStore(t)
	seedMessage(t, store, "hello world")
	jobID := pendingJobID(t, store)

	emb := &stubEmbedder{err: errors.New("connection refused")}
	w := New(store, emb, 0, testLogger())

	for i := 0; i < storage.DefaultMaxAttempts; i++ {
		past := time.Now().Add(-time.Minute).UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
		if _, err := store.DB().Exec(`UPDATE jobs SET not_before = ? WHERE id = ?`, past, jobID); err != nil {
			t.Fatalf("expiring backoff: %v", err)
		}
		done, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if !done {
			t.Fatalf("RunOnce %d claimed nothing", i)
		}
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Errorf("job status after %d attempts = %q, want %q",
			storage.DefaultMaxAttempts, job.Status, storage.JobFailed)
	}
	if job.Attempts != storage.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", job.Attempts, storage.DefaultMaxAttempts)
	}
}

func TestRunOnce_MissingMessageFailsTerminally(t *testing.T) {
	store := openTestStore(t)
	msg := seedMessage(t, store, "doomed")
	jobID := pendingJobID(t, store)

	// Deleting the conversation removes the message but leaves the job.
	if err := store.DeleteConversation(msg.ConversationID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	w := New(store, &stubEmbedder{vec: []float32{1, 0}}, 0, testLogger())
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce() = false, want a processed job")
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Errorf("job status = %q, want terminal %q after one attempt", job.Status, storage.JobFailed)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for a missing message)", job.Attempts)
	}
}

func TestRunOnce_MalformedPayloadFailsTerminally(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	res, err := store.DB().Exec(`
		INSERT INTO jobs (kind, payload_json, status, not_before, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?)`,
		storage.JobKindEmbedding, `{"message_id": "not-a-number"`, now, now, now)
	if err != nil {
		t.Fatalf("inserting job: %v", err)
	}
	jobID, _ := res.LastInsertId()

	w := New(store, &stubEmbedder{vec: []float32{1, 0}}, 0, testLogger())
	if done, err := w.RunOnce(context.Background()); err != nil || !done {
		t.Fatalf("RunOnce: done=%v err=%v", done, err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Errorf("job status = %q, want terminal %q", job.Status, storage.JobFailed)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (malformed payloads never retry)", job.Attempts)
	}
}

func TestRunOnce_CompleteIsIdempotentAfterEdit(t *testing.T) {
	store := openTestStore(t)
	msg := seedMessage(t, store, "original content")

	w := New(store, &stubEmbedder{vec: []float32{1, 0}}, 0, testLogger())
	if done, err := w.RunOnce(context.Background()); err != nil || !done {
		t.Fatalf("RunOnce: done=%v err=%v", done, err)
	}

	// Editing re-enqueues; the embedding is stale until the new job runs.
	if _, err := store.UpdateMessageContent(msg.ID, "edited content"); err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	stale, err := store.IsEmbeddingStale(msg.ID, testModel)
	if err != nil {
		t.Fatalf("IsEmbeddingStale: %v", err)
	}
	if !stale {
		t.Fatal("embedding not stale after content edit")
	}

	if done, err := w.RunOnce(context.Background()); err != nil || !done {
		t.Fatalf("RunOnce after edit: done=%v err=%v", done, err)
	}
	stale, err = store.IsEmbeddingStale(msg.ID, testModel)
	if err != nil {
		t.Fatalf("IsEmbeddingStale: %v", err)
	}
	if stale {
		t.Error("embedding still stale after reprocessing")
	}
}
