package storage

import (
	"math"
	"testing"
	"time"
)

func TestSearchLexical(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s,
		"deploying containers with kubernetes",
		"watering schedule for succulents",
	)

	hits, err := s.SearchLexical([]string{"kubernetes"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Score <= 0 || hits[0].Score > 1 {
		t.Errorf("score = %f, want in (0,1]", hits[0].Score)
	}
}

// The porter tokenizer matches inflected forms.
func TestSearchLexicalStemming(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "she was running marathons every spring")

	hits, err := s.SearchLexical([]string{"run"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits for stemmed term, want 1", len(hits))
	}
}

func TestSearchLexicalMultipleTermsOr(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s,
		"all about kubernetes",
		"all about postgres",
		"all about cooking",
	)

	hits, err := s.SearchLexical([]string{"kubernetes", "postgres"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2 (terms are OR'd)", len(hits))
	}
}

func TestSearchLexicalEmptyTerms(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "anything")

	hits, err := s.SearchLexical(nil, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if hits != nil {
		t.Errorf("got %d hits for empty terms", len(hits))
	}
}

func TestSearchFuzzyTypo(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s,
		"troubleshooting kubernetes networking",
		"a completely unrelated line",
	)

	// "kuberntes" shares most trigrams with "kubernetes".
	hits, err := s.SearchFuzzy("kuberntes", []string{"kubernetes"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchFuzzy: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Score <= 0 || hits[0].Score > 1 {
		t.Errorf("containment score = %f, want in (0,1]", hits[0].Score)
	}
}

func TestSearchFuzzyShortQuery(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "anything at all")

	// Queries without a full trigram cannot be scored.
	hits, err := s.SearchFuzzy("ab", []string{"ab"}, DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchFuzzy: %v", err)
	}
	if hits != nil {
		t.Errorf("got %d hits for a two-byte query", len(hits))
	}
}

func TestSearchVectorRanking(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "north", "east", "diagonal")

	if err := s.UpsertEmbedding(conv.Messages[0].ID, "test-model", []float32{0, 1}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	if err := s.UpsertEmbedding(conv.Messages[1].ID, "test-model", []float32{1, 0}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	if err := s.UpsertEmbedding(conv.Messages[2].ID, "test-model", []float32{1, 1}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}

	hits, err := s.SearchVector([]float32{1, 0}, "test-model", DateRange{}, 2)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want topK=2", len(hits))
	}
	if hits[0].MessageID != conv.Messages[1].ID {
		t.Errorf("top hit = message %d, want the parallel vector", hits[0].MessageID)
	}
	if math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("parallel cosine = %f, want 1", hits[0].Score)
	}
	if math.Abs(hits[1].Score-1/math.Sqrt2) > 1e-6 {
		t.Errorf("diagonal cosine = %f, want %f", hits[1].Score, 1/math.Sqrt2)
	}
}

// Stale embeddings never participate in vector search.
func TestSearchVectorSkipsStale(t *testing.T) {
	s := openTestStore(t)
	conv := seedConversation(t, s, "soon to be edited")
	msgID := conv.Messages[0].ID

	if err := s.UpsertEmbedding(msgID, "test-model", []float32{1, 0}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	hits, err := s.SearchVector([]float32{1, 0}, "test-model", DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("fresh embedding not searchable")
	}

	if _, err := s.UpdateMessageContent(msgID, "new content, old vector"); err != nil {
		t.Fatalf("UpdateMessageContent: %v", err)
	}
	hits, err = s.SearchVector([]float32{1, 0}, "test-model", DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("stale embedding still searchable: %d hits", len(hits))
	}

	// A different model's vectors are invisible too.
	if err := s.UpsertEmbedding(msgID, "test-model", []float32{1, 0}); err != nil {
		t.Fatalf("re-UpsertEmbedding: %v", err)
	}
	hits, err = s.SearchVector([]float32{1, 0}, "another-model", DateRange{}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("model mismatch still searchable: %d hits", len(hits))
	}
}

func TestSearchDateRange(t *testing.T) {
	s := openTestStore(t)

	jan := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	jun := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	conv, err := s.CreateConversation("dated", []NewMessage{
		{Role: RoleUser, Content: "winter kubernetes question", CreatedAt: jan},
		{Role: RoleUser, Content: "summer kubernetes question", CreatedAt: jun},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	dr := DateRange{From: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
	hits, err := s.SearchLexical([]string{"kubernetes"}, dr, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits with From filter, want 1", len(hits))
	}
	if hits[0].MessageID != conv.Messages[1].ID {
		t.Errorf("hit = %d, want the summer message", hits[0].MessageID)
	}

	dr = DateRange{To: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
	hits, err = s.SearchLexical([]string{"kubernetes"}, dr, 10)
	if err != nil {
		t.Fatalf("SearchLexical: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != conv.Messages[0].ID {
		t.Errorf("To filter returned wrong hits: %+v", hits)
	}

	// Vector search applies the same filter.
	for _, m := range conv.Messages {
		if err := s.UpsertEmbedding(m.ID, "test-model", []float32{1, 0}); err != nil {
			t.Fatalf("UpsertEmbedding: %v", err)
		}
	}
	vhits, err := s.SearchVector([]float32{1, 0}, "test-model", DateRange{From: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(vhits) != 1 || vhits[0].MessageID != conv.Messages[1].ID {
		t.Errorf("vector From filter returned wrong hits: %+v", vhits)
	}
}

func TestTrigramContainment(t *testing.T) {
	q := trigramSet("kubernetes")
	if got := trigramContainment(q, "kubernetes cluster"); got != 1 {
		t.Errorf("full containment = %f, want 1", got)
	}
	if got := trigramContainment(q, "zzzzzzz"); got != 0 {
		t.Errorf("no overlap = %f, want 0", got)
	}
	partial := trigramContainment(q, "kubernete")
	if partial <= 0 || partial >= 1 {
		t.Errorf("partial containment = %f, want in (0,1)", partial)
	}

	// The query trigram set must survive repeated scoring unchanged.
	before := len(q)
	trigramContainment(q, "kubernetes again")
	trigramContainment(q, "and again kubernetes")
	if len(q) != before {
		t.Errorf("scoring mutated the query trigram set: %d -> %d", before, len(q))
	}
}
