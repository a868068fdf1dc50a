package storage

import (
	"errors"
	"testing"
)

// Editing content increments version by exactly one and refreshes
// updated_at; writing identical content changes nothing.
func TestUpdateMessageContentVersioning(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "original wording")
	msg := conv.Messages[0]

	updated, err := s.UpdateMessageContent(msg.ID, "revised wording")
	if err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version after edit = %d, want 2", updated.Version)
	}
	if !updated.UpdatedAt.After(msg.UpdatedAt) {
		t.Error("edit did not refresh updated_at")
	}

	// A second distinct edit increments again.
	updated, err = s.UpdateMessageContent(msg.ID, "third wording")
	if err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	if updated.Version != 3 {
		t.Errorf("version after second edit = %d, want 3", updated.Version)
	}
}

func TestUpdateMessageContentNoOp(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "unchanged wording")
	msg := conv.Messages[0]

	same, err := s.UpdateMessageContent(msg.ID, "unchanged wording")
	if err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	if same.Version != 1 {
		t.Errorf("version after no-op write = %d, want 1", same.Version)
	}
	if !same.UpdatedAt.Equal(msg.UpdatedAt) {
		t.Error("no-op write changed updated_at")
	}

	// No second embedding job appears for an unchanged message.
	counts, err := s.CountJobs(JobKindEmbedding)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("pending jobs = %d, want just the insert-time job", counts.Pending)
	}
}

func TestUpdateMessageContentMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpdateMessageContent(12345, "anything"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Edits rewrite the search indexes: the old content stops matching and the
// new content starts.
func TestUpdateMessageContentReindexes(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "discussing elephants at length")
	msg := conv.Messages[0]

	if _, err := s.UpdateMessageContent(msg.ID, "discussing giraffes at length"); err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}

	hits, err := s.SearchLexical([]string{"elephants"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("old content still matches: %d hits", len(hits))
	}

	hits, err = s.SearchLexical([]string{"giraffes"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("new content matches %d hits, want 1", len(hits))
	}
	if hits[0].MessageID != msg.ID {
		t.Errorf("hit = message %d, want %d", hits[0].MessageID, msg.ID)
	}
}

// Metadata writes touch neither version nor updated_at, so they never make
// an embedding stale.
func TestUpdateMessageMetadata(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "tagged message")
	msg := conv.Messages[0]

	if err := s.UpsertEmbedding(msg.ID, "test-model", []float32{1, 0}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}

	if err := s.UpdateMessageMetadata(msg.ID, map[string]string{"starred": "true"}); err != nil {
		t.Fatalf("UpdateMessageMetadata: %v", err)
	}

	got, err := s.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Metadata["starred"] != "true" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Version != 1 {
		t.Errorf("metadata edit changed version to %d", got.Version)
	}
	if !got.UpdatedAt.Equal(msg.UpdatedAt) {
		t.Error("metadata edit changed updated_at")
	}

	stale, err := s.IsEmbeddingStale(msg.ID, "test-model")
	if err != nil {
		t.Fatalf("IsEmbeddingStale: %v", err)
	}
	if stale {
		t.Error("metadata edit made the embedding stale")
	}
}

func TestGetMessagesBatch(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "one", "two", "three")

	ids := []int64{conv.Messages[0].ID, conv.Messages[2].ID}
	msgs, err := s.GetMessages(ids)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	if msgs, err = s.GetMessages(nil); err != nil || msgs != nil {
		t.Errorf("GetMessages(nil) = %v, %v; want nil, nil", msgs, err)
	}
}

func TestCountMessages(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "one", "two")
	seedConversation(t, s, "three")

	n, err := s.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
