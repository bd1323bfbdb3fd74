// Package search provides a deterministic, concurrency-safe in-memory index
// over the passages of one course material. The embedding step builds it to
// chunk a material, and the extractive generator queries it to pick the
// passages and key terms that study artifacts are built from.
//
//   - No logging in the library; callers decide what to log
//   - Unicode-aware tokenization with optional stop-word removal
//   - Read-only after construction, so safe for concurrent use
//   - Deterministic scoring and ordering (stable ties)
//
// Passage ranking uses Jaccard similarity between the query token set and
// each passage's token set: score = |Q ∩ P| / |Q ∪ P|.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Result is a ranked passage with its similarity score.
type Result struct {
	Passage  string
	Position int // index of the passage in source order
	Score    float64
}

// Term is a keyword with its document frequency across passages.
type Term struct {
	Word  string
	Count int
}

// Index is the read-only interface of a passage index.
type Index interface {
	TopK(query string, k int) []Result
	Keywords(k int) []Term
	Passages() []string
	Len() int
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	minPassageRunes int
	stopwords       map[string]struct{}
	maxPassages     int
	minWordRunes    int
}

func defaultConfig() config {
	return config{
		minPassageRunes: 40,
		stopwords:       nil,
		maxPassages:     0,
		minWordRunes:    3,
	}
}

// WithMinPassageRunes drops passages shorter than n runes.
func WithMinPassageRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minPassageRunes = n
		}
	}
}

// WithStopwords excludes words from matching and keyword extraction.
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

// WithEnglishStopwords is WithStopwords(EnglishStopwords).
func WithEnglishStopwords() Option { return WithStopwords(EnglishStopwords) }

// WithMaxPassages caps the number of indexed passages.
func WithMaxPassages(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPassages = n
		}
	}
}

// EnglishStopwords is a small list of function words that carry no topic.
var EnglishStopwords = []string{
	"the", "and", "for", "are", "but", "not", "you", "all", "any", "can",
	"her", "was", "one", "our", "out", "has", "have", "had", "his", "how",
	"its", "may", "new", "now", "see", "two", "who", "did", "this", "that",
	"with", "from", "they", "will", "would", "there", "their", "what",
	"about", "which", "when", "make", "like", "into", "than", "then",
	"them", "these", "those", "some", "such", "also", "each", "other",
	"more", "most", "only", "over", "very", "were", "been", "being", "is",
	"of", "to", "in", "on", "a", "an", "as", "at", "by", "or", "it", "be",
	"we", "if", "so", "do", "no", "up", "use", "used", "using", "where",
	"while", "between", "both", "because", "does", "should", "could",
}

// ----------------------------------------------------------------------------
// Implementation

type passage struct {
	text   string
	pos    int
	tokens map[string]struct{}
	runes  int
}

type index struct {
	cfg      config
	passages []passage
}

// NewIndex builds an Index from passages in source order.
func NewIndex(passages []string, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	out := make([]passage, 0, len(passages))
	var short []string
	for _, raw := range passages {
		t := strings.TrimSpace(normalizeWhitespace(raw))
		if t == "" {
			continue
		}
		n := utf8.RuneCountInString(t)
		if cfg.minPassageRunes > 0 && n < cfg.minPassageRunes {
			short = append(short, t)
			continue
		}
		toks := tokenize(t, cfg.stopwords, 0)
		if len(toks) == 0 {
			continue
		}
		out = append(out, passage{text: t, pos: len(out), tokens: toks, runes: n})
		if cfg.maxPassages > 0 && len(out) >= cfg.maxPassages {
			break
		}
	}
	// Text made only of short lines (bullets, headings) is indexed whole.
	if len(out) == 0 && len(short) > 0 {
		t := strings.Join(short, " ")
		if toks := tokenize(t, cfg.stopwords, 0); len(toks) > 0 {
			out = append(out, passage{text: t, tokens: toks, runes: utf8.RuneCountInString(t)})
		}
	}
	return &index{cfg: cfg, passages: out}
}

// NewIndexFromText prepares markdown text, splits it into paragraphs, and
// indexes them.
func NewIndexFromText(text string, opts ...Option) Index {
	return NewIndex(SplitParagraphs(PrepareMarkdown(text)), opts...)
}

// Len returns the number of indexed passages.
func (i *index) Len() int { return len(i.passages) }

// Passages returns the indexed passages in source order.
func (i *index) Passages() []string {
	out := make([]string, len(i.passages))
	for n, p := range i.passages {
		out[n] = p.text
	}
	return out
}

// TopK returns up to k best-matching passages by Jaccard similarity.
func (i *index) TopK(q string, k int) []Result {
	if len(i.passages) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, i.cfg.stopwords, 0)
	if len(qTokens) == 0 {
		return nil
	}
	qLen := len(qTokens)

	buf := make([]passage, 0, min(k*4, len(i.passages)))
	scores := make(map[int]float64, len(i.passages))
	for _, p := range i.passages {
		over := overlap(qTokens, p.tokens)
		if over == 0 {
			continue
		}
		union := float64(qLen + len(p.tokens) - over)
		if union <= 0 {
			continue
		}
		scores[p.pos] = float64(over) / union
		buf = append(buf, p)
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		sa, sb := scores[buf[a].pos], scores[buf[b].pos]
		if sa != sb {
			return sa > sb
		}
		if buf[a].runes != buf[b].runes {
			return buf[a].runes < buf[b].runes
		}
		return buf[a].pos < buf[b].pos
	})

	k = min(k, len(buf))
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = Result{Passage: buf[n].text, Position: buf[n].pos, Score: scores[buf[n].pos]}
	}
	return out
}

// Keywords returns up to k words that appear in the most passages. Ties
// break alphabetically. Stop words and words shorter than three runes are
// skipped.
func (i *index) Keywords(k int) []Term {
	df := make(map[string]int)
	for _, p := range i.passages {
		for w := range p.tokens {
			if utf8.RuneCountInString(w) < i.cfg.minWordRunes || isNumeric(w) {
				continue
			}
			df[w]++
		}
	}
	terms := make([]Term, 0, len(df))
	for w, c := range df {
		terms = append(terms, Term{Word: w, Count: c})
	}
	sort.Slice(terms, func(a, b int) bool {
		if terms[a].Count != terms[b].Count {
			return terms[a].Count > terms[b].Count
		}
		return terms[a].Word < terms[b].Word
	})
	if k > 0 && k < len(terms) {
		terms = terms[:k]
	}
	return terms
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

func tokenize(s string, stop map[string]struct{}, minRunes int) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if minRunes > 0 && utf8.RuneCountInString(w) < minRunes {
			continue
		}
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func isNumeric(w string) bool {
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
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
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
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
