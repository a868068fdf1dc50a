package search

import "github.com/mbrichman/scry/internal/storage"

// fuse combines the lexical and semantic candidate pools into one list.
// Each pool's scores are min-max normalized to [0,1] first so the raw
// scales (FTS rank folds, trigram ratios, cosine similarity) never leak
// into the weighting. A message present in only one pool contributes zero
// from the other, so lexical-only hits survive fusion with a reduced score
// rather than being dropped.
func fuse(lexical, semantic []storage.Hit, lexWeight, semWeight float64) []storage.Hit {
	lexScores := normalize(lexical)
	semScores := normalize(semantic)

	type entry struct {
		hit      storage.Hit
		lex, sem float64
	}
	combined := make(map[int64]*entry, len(lexical)+len(semantic))

	for _, h := range lexical {
		combined[h.MessageID] = &entry{hit: h, lex: lexScores[h.MessageID]}
	}
	for _, h := range semantic {
		if e, ok := combined[h.MessageID]; ok {
			e.sem = semScores[h.MessageID]
		} else {
			combined[h.MessageID] = &entry{hit: h, sem: semScores[h.MessageID]}
		}
	}

	out := make([]storage.Hit, 0, len(combined))
	for _, e := range combined {
		h := e.hit
		h.Score = lexWeight*e.lex + semWeight*e.sem
		out = append(out, h)
	}
	return out
}

// normalize min-max scales a pool's scores to [0,1], keyed by message id.
// A pool where every score is equal maps to 1.0 for all members.
func normalize(hits []storage.Hit) map[int64]float64 {
	if len(hits) == 0 {
		return nil
	}

	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}

	scores := make(map[int64]float64, len(hits))
	for _, h := range hits {
		if max == min {
			scores[h.MessageID] = 1.0
		} else {
			scores[h.MessageID] = (h.Score - min) / (max - min)
		}
	}
	return scores
}
