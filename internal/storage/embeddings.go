package storage

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// UpsertEmbedding writes the embedding row for a message, inserting or
// overwriting as needed. The upsert makes duplicate or retried processing of
// the same message harmless.
func (s *Store) UpsertEmbedding(messageID int64, model string, vector []float32) error {
	_, err := s.db.Exec(`
		INSERT INTO embeddings (message_id, model, vector, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			model = excluded.model,
			vector = excluded.vector,
			updated_at = excluded.updated_at`,
		messageID, model, encodeVector(vector), formatTime(time.Now()))
	return err
}

// GetEmbedding returns the embedding row for a message.
func (s *Store) GetEmbedding(messageID int64) (*Embedding, error) {
	var e Embedding
	var blob []byte
	var updatedAt string
	err := s.db.QueryRow(`SELECT message_id, model, vector, updated_at FROM embeddings WHERE message_id = ?`, messageID).
		Scan(&e.MessageID, &e.Model, &blob, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Vector, err = decodeVector(blob); err != nil {
		return nil, fmt.Errorf("decoding vector for message %d: %w", messageID, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

// IsEmbeddingStale reports whether a message's embedding is absent, older
// than the message's content, or produced by a different model.
func (s *Store) IsEmbeddingStale(messageID int64, model string) (bool, error) {
	var stale bool
	err := s.db.QueryRow(`
		SELECT CASE
			WHEN e.message_id IS NULL THEN 1
			WHEN e.updated_at < m.updated_at THEN 1
			WHEN e.model != ? THEN 1
			ELSE 0
		END
		FROM messages m LEFT JOIN embeddings e ON e.message_id = m.id
		WHERE m.id = ?`, model, messageID).Scan(&stale)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return stale, err
}

// StaleMessageIDs returns up to limit message ids whose embedding is absent
// or stale relative to the given model, oldest messages first. The freshness
// sweep feeds these back into the job queue.
func (s *Store) StaleMessageIDs(model string, limit int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT m.id
		FROM messages m LEFT JOIN embeddings e ON e.message_id = m.id
		WHERE e.message_id IS NULL OR e.updated_at < m.updated_at OR e.model != ?
		ORDER BY m.updated_at ASC
		LIMIT ?`, model, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EmbeddingCoverage returns the fraction of messages holding a fresh
// embedding for the given model, in [0,1]. An empty archive counts as fully
// covered.
func (s *Store) EmbeddingCoverage(model string) (float64, error) {
	var fresh, total int
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM messages m JOIN embeddings e ON e.message_id = m.id
			 WHERE e.updated_at >= m.updated_at AND e.model = ?),
			(SELECT COUNT(*) FROM messages)`, model).Scan(&fresh, &total)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 1, nil
	}
	return float64(fresh) / float64(total), nil
}

// encodeVector serializes a float32 slice to little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes little-endian bytes into a new float32 slice.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeVectorInto decodes into the provided buffer, reusing it to avoid
// per-row allocations during similarity scans.
func decodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
