package storage

import (
	"container/heap"
	"fmt"
	"math"
	"strings"
	"time"
)

// Hit is a single retrieval result from one search strategy. Score is in
// the strategy's own scale; the search engine normalizes before fusing.
type Hit struct {
	MessageID      int64
	ConversationID string
	Score          float64
	CreatedAt      time.Time
}

// DateRange bounds candidates by message created_at. Zero values leave the
// corresponding side open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) clause(alias string) (string, []any) {
	var sb strings.Builder
	var args []any
	if !r.From.IsZero() {
		sb.WriteString(" AND " + alias + ".created_at >= ?")
		args = append(args, formatTime(r.From))
	}
	if !r.To.IsZero() {
		sb.WriteString(" AND " + alias + ".created_at <= ?")
		args = append(args, formatTime(r.To))
	}
	return sb.String(), args
}

// SearchLexical runs the expanded terms as an OR query against the lexical
// index and maps the bm25 rank onto a positive score (lower rank magnitude =
// better match = higher score). The date range filters candidates before
// ranking.
func (s *Store) SearchLexical(terms []string, dr DateRange, limit int) ([]Hit, error) {
	match := buildMatchQuery(terms)
	if match == "" {
		return nil, nil
	}

	rangeClause, rangeArgs := dr.clause("m")
	query := `
		SELECT m.id, m.conversation_id, m.created_at, rank
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?` + rangeClause + `
		ORDER BY rank
		LIMIT ?`
	args := append([]any{match}, rangeArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var createdAt string
		var rank float64
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &createdAt, &rank); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		h.Score = 1.0 / (1.0 + math.Abs(rank))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchFuzzy finds messages whose content contains query tokens as
// substrings via the trigram index, scored by trigram containment: the
// fraction of the query's trigrams present in the content, in [0,1].
func (s *Store) SearchFuzzy(query string, tokens []string, dr DateRange, limit int) ([]Hit, error) {
	match := buildMatchQuery(tokens)
	if match == "" {
		return nil, nil
	}
	queryTrigrams := trigramSet(strings.ToLower(query))
	if len(queryTrigrams) == 0 {
		return nil, nil
	}

	rangeClause, rangeArgs := dr.clause("m")
	sqlQuery := `
		SELECT m.id, m.conversation_id, m.content, m.created_at
		FROM messages_trigram f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_trigram MATCH ?` + rangeClause + `
		LIMIT ?`
	args := append([]any{match}, rangeArgs...)
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("trigram query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var content, createdAt string
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &content, &createdAt); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		h.Score = trigramContainment(queryTrigrams, strings.ToLower(content))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchVector performs brute-force cosine similarity over fresh embeddings
// for the given model, returning the top-K most similar messages. Stale and
// absent embeddings never participate; their messages can still surface
// through the lexical strategies.
func (s *Store) SearchVector(vector []float32, model string, dr DateRange, topK int) ([]Hit, error) {
	queryNorm := vectorNorm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rangeClause, rangeArgs := dr.clause("m")
	query := `
		SELECT m.id, m.conversation_id, m.created_at, e.vector
		FROM embeddings e
		JOIN messages m ON m.id = e.message_id
		WHERE e.updated_at >= m.updated_at AND e.model = ?` + rangeClause
	args := append([]any{model}, rangeArgs...)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	h := &hitHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var hit Hit
		var createdAt string
		var blob []byte
		if err := rows.Scan(&hit.MessageID, &hit.ConversationID, &createdAt, &blob); err != nil {
			return nil, err
		}
		if hit.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		buf, err = decodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for message %d: %w", hit.MessageID, err)
		}
		hit.Score = cosineSimilarity(vector, buf, queryNorm)

		if h.Len() < topK {
			heap.Push(h, hit)
		} else if hit.Score > (*h)[0].Score {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(Hit)
	}
	return hits, nil
}

// buildMatchQuery quotes each term and joins with OR for FTS5 MATCH syntax.
func buildMatchQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		if strings.TrimSpace(t) == "" {
			continue
		}
		parts = append(parts, `"`+t+`"`)
	}
	return strings.Join(parts, " OR ")
}

// trigramSet returns the set of 3-byte windows of s.
func trigramSet(s string) map[string]bool {
	set := make(map[string]bool)
	for i := 0; i+3 <= len(s); i++ {
		set[s[i:i+3]] = true
	}
	return set
}

// trigramContainment is |trigrams(query) ∩ trigrams(content)| / |trigrams(query)|.
func trigramContainment(queryTrigrams map[string]bool, content string) float64 {
	if len(queryTrigrams) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(queryTrigrams))
	for i := 0; i+3 <= len(content); i++ {
		tri := content[i : i+3]
		if queryTrigrams[tri] {
			seen[tri] = true
		}
	}
	return float64(len(seen)) / float64(len(queryTrigrams))
}

// hitHeap is a min-heap of Hit ordered by Score, used to track the top-K
// candidates during the vector scan.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity computes dot(a,b) / (aNorm * |b|). aNorm is precomputed.
func cosineSimilarity(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}
