// Package expand widens free-text queries into term sets for lexical
// search: synonym lookup over a mutable bidirectional table, plus
// stopword filtering and snowball stemming.
package expand

import (
	"strings"
	"sync"
	"unicode"

	"github.com/kljensen/snowball"
)

// Expander turns a raw query into an expanded set of search terms. The
// synonym table is mutable at runtime and safe for concurrent use; readers
// never observe a half-added bidirectional pair.
type Expander struct {
	mu       sync.RWMutex
	synonyms map[string][]string
}

// New creates an Expander seeded with the default domain synonym table.
func New() *Expander {
	e := &Expander{synonyms: make(map[string][]string)}
	for term, related := range defaultSynonyms {
		e.AddMapping(term, related, true)
	}
	return e
}

// defaultSynonyms maps acronyms and domain shorthand to their expansions.
var defaultSynonyms = map[string][]string{
	"zk":  {"zero knowledge", "zero-knowledge"},
	"ml":  {"machine learning"},
	"ai":  {"artificial intelligence"},
	"llm": {"large language model"},
	"db":  {"database"},
	"k8s": {"kubernetes"},
	"api": {"application programming interface"},
}

// AddMapping registers related terms for a normalized (lower-cased) term.
// With bidirectional=true every related term also maps back to the original,
// so one call makes both directions resolvable. Entries already present in
// either direction are not duplicated.
func (e *Expander) AddMapping(term string, related []string, bidirectional bool) {
	key := normalize(term)
	if key == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range related {
		rel := normalize(r)
		if rel == "" || rel == key {
			continue
		}
		e.synonyms[key] = appendUnique(e.synonyms[key], rel)
		if bidirectional {
			e.synonyms[rel] = appendUnique(e.synonyms[rel], key)
		}
	}
}

// Synonyms returns the related terms for a term, or nil when unmapped.
// Lookup is exact-term and case-insensitive.
func (e *Expander) Synonyms(term string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	related := e.synonyms[normalize(term)]
	if len(related) == 0 {
		return nil
	}
	out := make([]string, len(related))
	copy(out, related)
	return out
}

// Expand returns the expanded term set for a query: the query's significant
// words, synonyms of every token (and of the whole normalized query), and
// stemmed variants of the significant words. Stemming failures degrade to
// the unstemmed token; expansion never fails.
func (e *Expander) Expand(query string) []string {
	tokens := tokenize(query)

	var terms []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}

	// Synonyms of the whole query handle multi-word entries like
	// "zero knowledge" -> "zk".
	for _, syn := range e.Synonyms(normalize(query)) {
		add(syn)
	}

	for _, tok := range tokens {
		if stopWords[tok] {
			continue
		}
		if len(tok) >= minTokenLength {
			add(tok)
			add(stem(tok))
		}
		for _, syn := range e.Synonyms(tok) {
			add(syn)
		}
	}

	return terms
}

// minTokenLength is the shortest token kept by the significant-word filter.
const minTokenLength = 3

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// tokenize splits on word boundaries and lower-cases, keeping hyphenated
// words intact.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '-'
	})
}

// stem reduces a token via the snowball english stemmer, falling back to the
// token itself when the stemmer cannot handle it.
func stem(token string) string {
	stemmed, err := snowball.Stem(token, "english", false)
	if err != nil || stemmed == "" {
		return token
	}
	return stemmed
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "what": true, "how": true, "when": true, "where": true,
}
