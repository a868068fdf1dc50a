package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var metaJSON, createdAt, updatedAt string
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metaJSON, &m.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(id int64) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, metadata, version, created_at, updated_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessages returns the messages matching the given ids, in no particular order.
func (s *Store) GetMessages(ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT id, conversation_id, role, content, metadata, version, created_at, updated_at
		FROM messages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMessageContent replaces a message's content. If the new content
// differs from the stored content, the write increments version by exactly 1,
// refreshes updated_at, rewrites both index tables, and enqueues a coalesced
// embedding job, all in one transaction. Identical content is a no-op that
// leaves version and updated_at untouched.
func (s *Store) UpdateMessageContent(id int64, content string) (*Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, conversation_id, role, content, metadata, version, created_at, updated_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if m.Content == content {
		return m, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE messages SET content = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		content, formatTime(now), id); err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}

	if err := deleteIndexRowsTx(tx, id, m.Content); err != nil {
		return nil, err
	}
	if err := insertIndexRowsTx(tx, id, content); err != nil {
		return nil, err
	}

	if err := enqueueEmbeddingJobTx(tx, id, s.maxJobAttempts, now); err != nil {
		return nil, fmt.Errorf("enqueueing embedding job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	m.Content = content
	m.Version++
	m.UpdatedAt = now
	return m, nil
}

// UpdateMessageMetadata replaces a message's metadata map. Metadata edits are
// not content edits: version and updated_at stay untouched.
func (s *Store) UpdateMessageMetadata(id int64, metadata map[string]string) error {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE messages SET metadata = ? WHERE id = ?`, metaJSON, id)
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

// CountMessages returns the total number of messages in the archive.
func (s *Store) CountMessages() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// insertIndexRowsTx writes the derived index rows for a message's content.
// The FTS tables are external-content: the store is their only writer, so
// the index is always a pure function of the current content.
func insertIndexRowsTx(tx *sql.Tx, id int64, content string) error {
	if _, err := tx.Exec(`INSERT INTO messages_fts (rowid, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("indexing content (fts): %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO messages_trigram (rowid, content) VALUES (?, ?)`, id, content); err != nil {
		return fmt.Errorf("indexing content (trigram): %w", err)
	}
	return nil
}

// deleteIndexRowsTx removes the index rows for a message. External-content
// FTS5 requires the old content to locate the rows.
func deleteIndexRowsTx(tx *sql.Tx, id int64, oldContent string) error {
	if _, err := tx.Exec(`INSERT INTO messages_fts (messages_fts, rowid, content) VALUES ('delete', ?, ?)`, id, oldContent); err != nil {
		return fmt.Errorf("deindexing content (fts): %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO messages_trigram (messages_trigram, rowid, content) VALUES ('delete', ?, ?)`, id, oldContent); err != nil {
		return fmt.Errorf("deindexing content (trigram): %w", err)
	}
	return nil
}
