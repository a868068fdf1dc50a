// Package search runs queries against the archive, combining lexical
// full-text matching, trigram fuzzy matching, and embedding similarity
// into a single ranked result list.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/mbrichman/scry/internal/embed"
	"github.com/mbrichman/scry/internal/expand"
	"github.com/mbrichman/scry/internal/storage"
)

// Search modes. Auto behaves like hybrid but silently degrades to
// lexical-only when embeddings are unavailable.
const (
	ModeFTS      = "fts"
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"
	ModeAuto     = "auto"
)

// Default fusion weights. Semantic and lexical weights are normalized at
// query time, so only their ratio matters.
const (
	DefaultSemanticWeight = 0.7
	DefaultLexicalWeight  = 0.3
)

// DefaultLimit is the result count used when a request does not set one.
const DefaultLimit = 10

// candidateMultiplier oversizes the per-strategy candidate pools relative
// to the requested limit so fusion has enough overlap to rank with.
const candidateMultiplier = 4

var (
	ErrInvalidMode  = errors.New("invalid search mode")
	ErrInvalidLimit = errors.New("limit must be positive")
	ErrEmptyQuery   = errors.New("query must not be empty")
)

// Request describes one search.
type Request struct {
	Query string
	// Mode is one of fts, semantic, hybrid, auto. Empty means auto.
	Mode string
	// Limit caps the result count. Zero means DefaultLimit; negative
	// values are rejected with ErrInvalidLimit.
	Limit int
	// From/To bound message creation time; zero values mean unbounded.
	From time.Time
	To   time.Time
	// SemanticWeight overrides the configured fusion weight for this
	// request. Nil keeps the engine default.
	SemanticWeight *float64
}

// Result is one ranked message.
type Result struct {
	Message storage.Message `json:"message"`
	Score   float64         `json:"score"`
}

// Response carries the ranked results plus the mode that actually ran.
type Response struct {
	Results []Result `json:"results"`
	// Mode is the strategy set that produced the results. In auto mode
	// this reports what actually ran, so a degraded search shows "fts".
	Mode     string `json:"mode"`
	Degraded bool   `json:"degraded,omitempty"`
}

// DefaultCacheTTL bounds how long a cached query result can outlive the
// writes it cannot see. Explicit invalidation covers API writes; the TTL
// covers background embedding writes, which land without telling the engine.
const DefaultCacheTTL = time.Minute

// Options configures an Engine.
type Options struct {
	SemanticWeight float64
	LexicalWeight  float64
	CacheSize      int
	// CacheTTL expires cached query results. Zero means DefaultCacheTTL.
	CacheTTL time.Duration
}

// Engine executes searches over a Store. Embedding lookups go through the
// Embedder; query expansion applies to the lexical strategies only, since
// the embedding model sees the raw query.
type Engine struct {
	store    *storage.Store
	embedder embed.Embedder
	expander *expand.Expander
	logger   *slog.Logger

	semanticWeight float64
	lexicalWeight  float64

	cache *expirable.LRU[string, Response]
}

// NewEngine creates an Engine. A nil expander disables query expansion.
func NewEngine(store *storage.Store, embedder embed.Embedder, expander *expand.Expander, opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.SemanticWeight <= 0 && opts.LexicalWeight <= 0 {
		opts.SemanticWeight = DefaultSemanticWeight
		opts.LexicalWeight = DefaultLexicalWeight
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	cache := expirable.NewLRU[string, Response](opts.CacheSize, nil, opts.CacheTTL)

	return &Engine{
		store:          store,
		embedder:       embedder,
		expander:       expander,
		logger:         logger,
		semanticWeight: opts.SemanticWeight,
		lexicalWeight:  opts.LexicalWeight,
		cache:          cache,
	}, nil
}

// InvalidateCache drops all cached query results. Callers invoke this after
// writes that change what a repeated query should return.
func (e *Engine) InvalidateCache() {
	e.cache.Purge()
}

// Search runs a query and returns ranked, hydrated results.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	switch req.Mode {
	case ModeFTS, ModeSemantic, ModeHybrid, ModeAuto:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, req.Limit)
	}

	key := e.cacheKey(req)
	if cached, ok := e.cache.Get(key); ok {
		return &cached, nil
	}

	resp, err := e.search(ctx, req)
	if err != nil {
		return nil, err
	}

	// A degraded response reflects a transient embedder outage, not what
	// the query should return. Caching it would pin the lexical-only
	// result past the embedder's recovery.
	if !resp.Degraded {
		e.cache.Add(key, *resp)
	}
	return resp, nil
}

func (e *Engine) search(ctx context.Context, req Request) (*Response, error) {
	dr := storage.DateRange{From: req.From, To: req.To}
	poolSize := req.Limit * candidateMultiplier

	wantLexical := req.Mode != ModeSemantic
	wantSemantic := req.Mode != ModeFTS

	var (
		lexical  []storage.Hit
		semantic []storage.Hit
	)

	g, gctx := errgroup.WithContext(ctx)

	if wantLexical {
		g.Go(func() error {
			hits, err := e.searchLexical(req.Query, dr, poolSize)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			lexical = hits
			return nil
		})
	}

	degraded := false
	if wantSemantic {
		g.Go(func() error {
			hits, err := e.searchSemantic(gctx, req.Query, dr, poolSize)
			if err != nil {
				// Semantic-only searches have nothing to fall back to.
				if req.Mode == ModeSemantic {
					return fmt.Errorf("semantic search: %w", err)
				}
				e.logger.Warn("semantic search unavailable, using lexical results only",
					"error", err)
				degraded = true
				return nil
			}
			semantic = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	semWeight, lexWeight := e.weights(req)
	fused := fuse(lexical, semantic, lexWeight, semWeight)

	sortResults(fused)
	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}

	results, err := e.hydrate(fused)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if req.Mode == ModeAuto {
		mode = ModeHybrid
	}
	if degraded {
		mode = ModeFTS
	}

	return &Response{Results: results, Mode: mode, Degraded: degraded}, nil
}

// searchLexical runs the FTS and trigram strategies and merges their hits,
// keeping the higher score when a message matches both.
func (e *Engine) searchLexical(query string, dr storage.DateRange, limit int) ([]storage.Hit, error) {
	terms := []string{query}
	if e.expander != nil {
		if expanded := e.expander.Expand(query); len(expanded) > 0 {
			terms = expanded
		}
	}

	var fts, fuzzy []storage.Hit
	g := new(errgroup.Group)
	g.Go(func() error {
		hits, err := e.store.SearchLexical(terms, dr, limit)
		if err != nil {
			return err
		}
		fts = hits
		return nil
	})
	g.Go(func() error {
		hits, err := e.store.SearchFuzzy(query, terms, dr, limit)
		if err != nil {
			return err
		}
		fuzzy = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[int64]storage.Hit, len(fts)+len(fuzzy))
	for _, h := range fts {
		byID[h.MessageID] = h
	}
	for _, h := range fuzzy {
		if prev, ok := byID[h.MessageID]; !ok || h.Score > prev.Score {
			byID[h.MessageID] = h
		}
	}

	merged := make([]storage.Hit, 0, len(byID))
	for _, h := range byID {
		merged = append(merged, h)
	}
	return merged, nil
}

func (e *Engine) searchSemantic(ctx context.Context, query string, dr storage.DateRange, limit int) ([]storage.Hit, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return e.store.SearchVector(vec, e.embedder.Model(), dr, limit)
}

// weights returns the normalized (semantic, lexical) fusion weights for a
// request, applying the per-request override when present.
func (e *Engine) weights(req Request) (float64, float64) {
	sem, lex := e.semanticWeight, e.lexicalWeight
	if req.SemanticWeight != nil {
		sem = *req.SemanticWeight
		lex = 1 - sem
	}
	total := sem + lex
	if total <= 0 {
		return DefaultSemanticWeight, DefaultLexicalWeight
	}
	return sem / total, lex / total
}

// hydrate loads the full message rows for the fused hits, preserving order.
func (e *Engine) hydrate(hits []storage.Hit) ([]Result, error) {
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.MessageID
	}
	msgs, err := e.store.GetMessages(ids)
	if err != nil {
		return nil, fmt.Errorf("loading result messages: %w", err)
	}

	byID := make(map[int64]storage.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.MessageID]
		if !ok {
			// Message deleted between ranking and hydration.
			continue
		}
		results = append(results, Result{Message: m, Score: h.Score})
	}
	return results, nil
}

// sortResults orders hits by score descending, breaking ties by recency
// and finally by id so equal inputs always produce the same ordering.
func sortResults(hits []storage.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].MessageID < hits[j].MessageID
	})
}

func (e *Engine) cacheKey(req Request) string {
	sem, lex := e.weights(req)
	return fmt.Sprintf("%s|%d|%.4f|%.4f|%d|%d|%s",
		req.Mode, req.Limit, sem, lex, req.From.UnixNano(), req.To.UnixNano(), req.Query)
}

// Coverage reports the fraction of messages with a fresh embedding for the
// engine's current model.
func (e *Engine) Coverage() (float64, error) {
	return e.store.EmbeddingCoverage(e.embedder.Model())
}
