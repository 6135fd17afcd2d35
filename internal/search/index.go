// Package search is the local knowledge index: a concurrency-safe,
// in-memory keyword index with one collection per agent.
//
// It backs retrieval for the guest chat flow and doubles as the fallback
// vector index when no vector database is configured (vectors are ignored;
// matching is lexical). No logging happens in this package.
//
// Scoring uses Jaccard similarity between the query token set and each
// document's token set: score = |Q ∩ D| / |Q ∪ D|. Ties are broken by
// shorter text, then text, then id, so results are deterministic.
package search

import (
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// Result is a ranked document with its similarity score.
type Result struct {
	ID      string
	Snippet string
	Score   float64
}

// Index is the read side shared by every index implementation.
type Index interface {
	TopK(query string, k int) []Result
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	minRunes  int
	stopwords map[string]struct{}
	maxDocs   int
}

func defaultConfig() config {
	return config{minRunes: 40}
}

// WithMinRunes drops documents shorter than n runes. Negative values are ignored.
func WithMinRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithMaxDocs caps the number of documents a store holds.
func WithMaxDocs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

// ----------------------------------------------------------------------------
// Store

type doc struct {
	text   string
	tokens map[string]struct{}
}

// Store is a mutable keyword index keyed by document id.
type Store struct {
	cfg  config
	mu   sync.RWMutex
	docs map[string]doc
}

func NewStore(opts ...Option) *Store {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{cfg: cfg, docs: make(map[string]doc)}
}

// Upsert indexes text under id, replacing any previous document. It returns
// false when the text is filtered out (too short, no tokens, store full).
func (s *Store) Upsert(id, text string) bool {
	t := strings.TrimSpace(normalizeWhitespace(text))
	if t == "" {
		return false
	}
	if s.cfg.minRunes > 0 && utf8.RuneCountInString(t) < s.cfg.minRunes {
		return false
	}
	toks := tokenize(t, s.cfg.stopwords)
	if len(toks) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[id]; !exists && s.cfg.maxDocs > 0 && len(s.docs) >= s.cfg.maxDocs {
		return false
	}
	s.docs[id] = doc{text: t, tokens: toks}
	return true
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Get returns the indexed text for id.
func (s *Store) Get(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d.text, ok
}

// LoadParagraphs indexes every blank-line separated paragraph of r under
// ids prefix-0, prefix-1, ... and returns how many were kept.
func (s *Store) LoadParagraphs(r io.Reader, prefix string) (int, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	kept := 0
	for i, p := range splitParagraphs(string(all)) {
		if s.Upsert(prefix+"-"+strconv.Itoa(i), p) {
			kept++
		}
	}
	return kept, nil
}

// TopK returns up to k best-matching documents. k <= 0 means 3.
func (s *Store) TopK(q string, k int) []Result {
	if strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, s.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		Result
		runes int
	}

	s.mu.RLock()
	buf := make([]scored, 0, len(s.docs))
	for id, d := range s.docs {
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		union := float64(len(qTokens) + len(d.tokens) - over)
		buf = append(buf, scored{
			Result: Result{ID: id, Snippet: d.text, Score: float64(over) / union},
			runes:  utf8.RuneCountInString(d.text),
		})
	}
	s.mu.RUnlock()
	if len(buf) == 0 {
		return nil
	}

	sort.Slice(buf, func(a, b int) bool {
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if buf[a].runes != buf[b].runes {
			return buf[a].runes < buf[b].runes
		}
		if buf[a].Snippet != buf[b].Snippet {
			return buf[a].Snippet < buf[b].Snippet
		}
		return buf[a].ID < buf[b].ID
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for i := range out {
		out[i] = buf[i].Result
	}
	return out
}

// ----------------------------------------------------------------------------
// Collections

// Collections holds one Store per name, created on first use with the same
// options.
type Collections struct {
	opts []Option
	mu   sync.Mutex
	m    map[string]*Store
}

func NewCollections(opts ...Option) *Collections {
	return &Collections{opts: opts, m: make(map[string]*Store)}
}

// Get returns the named store, creating it when missing.
func (c *Collections) Get(name string) *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[name]
	if !ok {
		s = NewStore(c.opts...)
		c.m[name] = s
	}
	return s
}

// Lookup returns the named store without creating it.
func (c *Collections) Lookup(name string) (*Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[name]
	return s, ok
}

// Names lists the collections in lexical order.
func (c *Collections) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.m))
	for n := range c.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

var paraSplitRE = regexp.MustCompile(`\n\s*\n`)

func splitParagraphs(raw string) []string {
	chunks := paraSplitRE.Split(raw, -1)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}
