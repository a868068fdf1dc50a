package search

import (
	"testing"

	"github.com/mbrichman/scry/internal/storage"
)

func hit(id int64, score float64) storage.Hit {
	return storage.Hit{MessageID: id, Score: score}
}

func scoreOf(hits []storage.Hit, id int64) (float64, bool) {
	for _, h := range hits {
		if h.MessageID == id {
			return h.Score, true
		}
	}
	return 0, false
}

func TestFuseWeightedOverlap(t *testing.T) {
	lexical := []storage.Hit{hit(1, 0.9), hit(2, 0.1)}
	semantic := []storage.Hit{hit(1, 0.8), hit(2, 0.2)}

	fused := fuse(lexical, semantic, 0.3, 0.7)

	// Message 1 is top of both pools, so it normalizes to 1.0 in each and
	// the fused score is the full weight sum.
	s1, ok := scoreOf(fused, 1)
	if !ok {
		t.Fatal("message 1 missing from fused results")
	}
	if s1 < 0.999 || s1 > 1.001 {
		t.Errorf("fused score for message 1 = %f, want 1.0", s1)
	}

	s2, _ := scoreOf(fused, 2)
	if s2 != 0 {
		t.Errorf("fused score for message 2 = %f, want 0 (bottom of both pools)", s2)
	}
}

func TestFuseLexicalOnlyRowsSurvive(t *testing.T) {
	lexical := []storage.Hit{hit(1, 0.9), hit(2, 0.4)}
	semantic := []storage.Hit{hit(3, 0.8), hit(4, 0.2)}

	fused := fuse(lexical, semantic, 0.3, 0.7)

	if len(fused) != 4 {
		t.Fatalf("fused %d hits, want 4", len(fused))
	}

	// A lexical-only hit gets zero semantic contribution, not removal.
	s1, ok := scoreOf(fused, 1)
	if !ok {
		t.Fatal("lexical-only message 1 was dropped")
	}
	if s1 < 0.299 || s1 > 0.301 {
		t.Errorf("fused score for lexical-only top hit = %f, want 0.3", s1)
	}

	s3, ok := scoreOf(fused, 3)
	if !ok {
		t.Fatal("semantic-only message 3 was dropped")
	}
	if s3 < 0.699 || s3 > 0.701 {
		t.Errorf("fused score for semantic-only top hit = %f, want 0.7", s3)
	}
}

func TestFuseEmptyPools(t *testing.T) {
	if got := fuse(nil, nil, 0.3, 0.7); len(got) != 0 {
		t.Errorf("fuse(nil, nil) returned %d hits, want 0", len(got))
	}

	lexical := []storage.Hit{hit(1, 0.5)}
	fused := fuse(lexical, nil, 0.3, 0.7)
	if len(fused) != 1 {
		t.Fatalf("fused %d hits, want 1", len(fused))
	}
	// The only member of a pool normalizes to 1.0.
	if s, _ := scoreOf(fused, 1); s < 0.299 || s > 0.301 {
		t.Errorf("score = %f, want 0.3", s)
	}
}

func TestNormalizeUniformScores(t *testing.T) {
	hits := []storage.Hit{hit(1, 0.42), hit(2, 0.42), hit(3, 0.42)}
	scores := normalize(hits)
	for id, s := range scores {
		if s != 1.0 {
			t.Errorf("normalized score for %d = %f, want 1.0", id, s)
		}
	}
}

func TestNormalizeRange(t *testing.T) {
	hits := []storage.Hit{hit(1, 10), hit(2, 5), hit(3, 0)}
	scores := normalize(hits)

	if scores[1] != 1.0 {
		t.Errorf("max score normalized to %f, want 1.0", scores[1])
	}
	if scores[2] != 0.5 {
		t.Errorf("mid score normalized to %f, want 0.5", scores[2])
	}
	if scores[3] != 0.0 {
		t.Errorf("min score normalized to %f, want 0.0", scores[3])
	}
}
