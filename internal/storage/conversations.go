package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessage is the normalized message record the import path consumes.
// The store assigns ids and default timestamps for missing fields.
type NewMessage struct {
	Role      string
	Content   string
	CreatedAt time.Time // zero means "now"
	Metadata  map[string]string
}

// CreateConversation inserts an empty conversation and appends the given
// messages to it in a single transaction. Messages are persisted in input
// order; each insert also writes the lexical and trigram index rows and
// enqueues a coalesced embedding job.
func (s *Store) CreateConversation(title string, msgs []NewMessage) (*Conversation, error) {
	for _, m := range msgs {
		if err := ValidateRole(m.Role); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	for i, m := range msgs {
		inserted, err := insertMessageTx(tx, conv.ID, m, s.maxJobAttempts, now)
		if err != nil {
			return nil, fmt.Errorf("inserting message %d: %w", i, err)
		}
		conv.Messages = append(conv.Messages, *inserted)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}
	return conv, nil
}

// AppendMessages adds messages to an existing conversation.
func (s *Store) AppendMessages(conversationID string, msgs []NewMessage) ([]Message, error) {
	for _, m := range msgs {
		if err := ValidateRole(m.Role); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		inserted, err := insertMessageTx(tx, conversationID, m, s.maxJobAttempts, now)
		if err != nil {
			return nil, fmt.Errorf("inserting message %d: %w", i, err)
		}
		out = append(out, *inserted)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing messages: %w", err)
	}
	return out, nil
}

// insertMessageTx writes a message row, its lexical and trigram index rows,
// and a coalesced embedding job, all on the caller's transaction.
func insertMessageTx(tx *sql.Tx, conversationID string, m NewMessage, maxAttempts int, now time.Time) (*Message, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	createdAt = createdAt.UTC()

	metaJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`
		INSERT INTO messages (conversation_id, role, content, metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		conversationID, m.Role, m.Content, metaJSON, formatTime(createdAt), formatTime(createdAt),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := insertIndexRowsTx(tx, id, m.Content); err != nil {
		return nil, err
	}

	if err := enqueueEmbeddingJobTx(tx, id, maxAttempts, now); err != nil {
		return nil, fmt.Errorf("enqueueing embedding job: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           m.Role,
		Content:        m.Content,
		Metadata:       m.Metadata,
		Version:        1,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// UpdateConversationTitle sets the title and refreshes the conversation's
// updated_at. Child message writes do not bump the conversation timestamp.
func (s *Store) UpdateConversationTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConversation returns a conversation with its messages in chronological order.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, metadata, version, created_at, updated_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		c.Messages = append(c.Messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns up to limit conversations, most recently updated first.
func (s *Store) ListConversations(limit int) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		var err error
		if err = rows.Scan(&c.ID, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConversations returns the total number of conversations.
func (s *Store) CountConversations() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// ListConversationsPage returns one page of conversations, most recently
// updated first.
func (s *Store) ListConversationsPage(limit, offset int) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConversations(rows)
}

// DeleteConversation removes a conversation and everything under it.
// Message and embedding rows go via FK cascade; the external-content FTS
// tables must be cleared explicitly with their old content in the same
// transaction.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, content FROM messages WHERE conversation_id = ?`, id)
	if err != nil {
		return err
	}
	type ftsRow struct {
		id      int64
		content string
	}
	var msgs []ftsRow
	for rows.Next() {
		var r ftsRow
		if err := rows.Scan(&r.id, &r.content); err != nil {
			rows.Close()
			return err
		}
		msgs = append(msgs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range msgs {
		if err := deleteIndexRowsTx(tx, m.id, m.content); err != nil {
			return err
		}
	}

	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}
