package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidRole is returned when a message role is outside the allowed set.
var ErrInvalidRole = errors.New("invalid role")

// Message roles. The set is closed; writes with any other value are rejected.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidateRole rejects roles outside {user, assistant, system}.
func ValidateRole(role string) error {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRole, role)
}

type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message // populated by GetConversation, empty elsewhere
}

type Message struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	Metadata       map[string]string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Embedding is the vector row for a message, keyed 1:1 by message id.
// It is stale when UpdatedAt precedes the message's UpdatedAt or when
// Model differs from the currently configured embedding model; staleness
// is derived by queries, never stored.
type Embedding struct {
	MessageID int64
	Model     string
	Vector    []float32
	UpdatedAt time.Time
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobKindEmbedding is the job kind processed by the embedding worker.
const JobKindEmbedding = "generate_embedding"

type Job struct {
	ID          int64
	Kind        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobCounts reports queue depth grouped by status for one kind.
type JobCounts struct {
	Kind      string
	Pending   int
	Running   int
	Completed int
	Failed    int
}
