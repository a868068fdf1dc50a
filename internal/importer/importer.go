// Package importer loads conversation exports into the archive. The wire
// format is JSONL: one conversation object per line, each with a title and
// an ordered message list.
package importer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mbrichman/scry/internal/storage"
)

// Conversation is one record of the import format.
type Conversation struct {
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Message is one message of the import format. Timestamp is optional;
// missing timestamps take the import time.
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp,omitzero"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Summary reports what an import did.
type Summary struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	// Skipped counts conversations rejected for invalid roles or empty
	// message lists.
	Skipped int `json:"skipped"`
}

// Importer writes parsed conversations into a Store.
type Importer struct {
	store  *storage.Store
	logger *slog.Logger
}

func New(store *storage.Store, logger *slog.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// ReadJSONL parses one conversation per line, skipping blank lines. A
// malformed line aborts the whole read so a bad export is caught before
// any write happens.
func ReadJSONL(r io.Reader) ([]Conversation, error) {
	var out []Conversation

	scanner := bufio.NewScanner(r)
	// Conversations with long messages easily exceed the default 64KB line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var conv Conversation
		if err := json.Unmarshal([]byte(line), &conv); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, conv)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return out, nil
}

// Import writes conversations into the store, one transaction per
// conversation. Conversations with no messages or an invalid role are
// skipped and logged rather than failing the batch.
func (im *Importer) Import(convs []Conversation) (Summary, error) {
	var sum Summary

	for _, conv := range convs {
		msgs, err := normalize(conv)
		if err != nil {
			im.logger.Warn("skipping conversation", "title", conv.Title, "error", err)
			sum.Skipped++
			continue
		}

		created, err := im.store.CreateConversation(conv.Title, msgs)
		if err != nil {
			return sum, fmt.Errorf("importing %q: %w", conv.Title, err)
		}
		sum.Conversations++
		sum.Messages += len(created.Messages)
	}

	return sum, nil
}

// ImportReader parses and imports JSONL in one step.
func (im *Importer) ImportReader(r io.Reader) (Summary, error) {
	convs, err := ReadJSONL(r)
	if err != nil {
		return Summary{}, err
	}
	return im.Import(convs)
}

func normalize(conv Conversation) ([]storage.NewMessage, error) {
	if len(conv.Messages) == 0 {
		return nil, fmt.Errorf("no messages")
	}

	msgs := make([]storage.NewMessage, len(conv.Messages))
	for i, m := range conv.Messages {
		if err := storage.ValidateRole(m.Role); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("message %d: empty content", i)
		}
		msgs[i] = storage.NewMessage{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.Timestamp,
			Metadata:  m.Metadata,
		}
	}
	return msgs, nil
}
