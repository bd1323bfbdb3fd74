package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/search"
)

// Item bodies produced per content type.
type (
	Summary struct {
		Title     string   `json:"title"`
		Content   string   `json:"content"`
		KeyPoints []string `json:"key_points"`
	}
	GoldenNote struct {
		Title    string `json:"title"`
		Content  string `json:"content"`
		Priority int    `json:"priority"` // 1 is highest
	}
	Cuecard struct {
		Front string `json:"front"`
		Back  string `json:"back"`
	}
	MCQ struct {
		Question      string   `json:"question"`
		Options       []string `json:"options"`
		CorrectAnswer int      `json:"correct_answer"`
		Explanation   string   `json:"explanation"`
		Difficulty    string   `json:"difficulty"`
	}
	OpenQuestion struct {
		Question   string `json:"question"`
		Guidance   string `json:"guidance"`
		Difficulty string `json:"difficulty"`
	}
	ConceptNode struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	ConceptEdge struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Label  string `json:"label"`
		Weight int    `json:"weight"`
	}
	ConceptMap struct {
		Title string        `json:"title"`
		Nodes []ConceptNode `json:"nodes"`
		Edges []ConceptEdge `json:"edges"`
	}
)

const conceptMapNodes = 8

// ExtractiveGenerator builds artifacts from the sources' own sentences.
// Output is deterministic for a given request.
type ExtractiveGenerator struct {
	opts []search.Option
}

// NewExtractiveGenerator returns an ExtractiveGenerator with English stop
// words.
func NewExtractiveGenerator() *ExtractiveGenerator {
	return &ExtractiveGenerator{opts: []search.Option{
		search.WithEnglishStopwords(),
		search.WithMinPassageRunes(20),
	}}
}

// Generate implements Generator.
func (g *ExtractiveGenerator) Generate(ctx context.Context, req Request) (Output, error) {
	if !req.ContentType.Valid() {
		return Output{}, fmt.Errorf("unknown content type %q", req.ContentType)
	}
	var (
		passages []string
		texts    []string
	)
	for _, src := range req.Sources {
		passages = append(passages, search.SplitParagraphs(search.PrepareMarkdown(src.Text))...)
		texts = append(texts, src.Text)
	}
	idx := search.NewIndex(passages, g.opts...)
	if idx.Len() == 0 {
		return Output{}, ErrInsufficientContent
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	n := req.Config.Count
	if n <= 0 {
		n = DefaultCount(req.ContentType)
	}

	var items []any
	switch req.ContentType {
	case domain.ContentSummaries:
		items = g.summaries(idx, n, req)
	case domain.ContentGoldenNotes:
		items = goldenNotes(idx, n)
	case domain.ContentCuecards:
		items = cuecards(idx, n, req.Config)
	case domain.ContentMCQs:
		items = mcqs(idx, n, req.Config)
	case domain.ContentOpenQuestions:
		items = openQuestions(idx, n, req.Config)
	case domain.ContentConceptMaps:
		items = conceptMaps(idx, n)
	}
	if len(items) == 0 {
		return Output{}, ErrInsufficientContent
	}

	out, _ := json.Marshal(items)
	return Output{Items: items, TokensUsed: EstimateTokens(texts...) + EstimateTokens(string(out))}, nil
}

func (g *ExtractiveGenerator) summaries(idx search.Index, n int, req Request) []any {
	ps := idx.Passages()
	n = min(n, len(ps))
	per := sentencesFor(req.Config.Length)
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		chunk := ps[i*len(ps)/n : (i+1)*len(ps)/n]
		var lines []string
		for _, p := range chunk {
			if s := search.Sentences(p); len(s) > 0 {
				lines = append(lines, s[0])
			}
			if len(lines) == per {
				break
			}
		}
		title := "Summary"
		if len(req.Sources) == 1 && req.Sources[0].Title != "" {
			title = req.Sources[0].Title
		}
		if n > 1 {
			title = fmt.Sprintf("%s (part %d of %d)", title, i+1, n)
		}
		out = append(out, Summary{
			Title:     title,
			Content:   strings.Join(lines, " "),
			KeyPoints: labels(search.NewIndex(chunk, g.opts...).Keywords(5)),
		})
	}
	return out
}

func goldenNotes(idx search.Index, n int) []any {
	out := make([]any, 0, n)
	for _, kw := range idx.Keywords(n * 2) {
		s := sentenceFor(idx, kw.Word)
		if s == "" {
			continue
		}
		out = append(out, GoldenNote{
			Title:    titleCase(kw.Word),
			Content:  s,
			Priority: min(3, 1+len(out)*3/n),
		})
		if len(out) == n {
			break
		}
	}
	return out
}

func cuecards(idx search.Index, n int, cfg domain.FeatureConfig) []any {
	out := make([]any, 0, n)
	for _, kw := range idx.Keywords(n * 2) {
		s := sentenceFor(idx, kw.Word)
		if s == "" {
			continue
		}
		front := titleCase(kw.Word)
		if strings.EqualFold(cfg.Style, "question") {
			front = "What is " + front + "?"
		}
		out = append(out, Cuecard{Front: front, Back: s})
		if len(out) == n {
			break
		}
	}
	return out
}

func mcqs(idx search.Index, n int, cfg domain.FeatureConfig) []any {
	pool := idx.Keywords(n + 4)
	if len(pool) < 2 {
		return nil
	}
	difficulty := cfg.Difficulty
	if difficulty == "" {
		difficulty = "medium"
	}
	out := make([]any, 0, n)
	for i, kw := range pool {
		s := sentenceFor(idx, kw.Word)
		if s == "" {
			continue
		}
		options := []string{kw.Word}
		for j := 1; j < len(pool) && len(options) < 4; j++ {
			options = append(options, pool[(i+j)%len(pool)].Word)
		}
		correct := len(out) % len(options)
		options[0], options[correct] = options[correct], options[0]
		out = append(out, MCQ{
			Question:      "Fill in the blank: " + wordPattern(kw.Word).ReplaceAllString(s, "_____"),
			Options:       options,
			CorrectAnswer: correct,
			Explanation:   s,
			Difficulty:    difficulty,
		})
		if len(out) == n {
			break
		}
	}
	return out
}

func openQuestions(idx search.Index, n int, cfg domain.FeatureConfig) []any {
	kws := idx.Keywords(n + 1)
	fixed := cfg.Difficulty
	if fixed == "mixed" {
		fixed = ""
	}
	levels := []string{"easy", "medium", "hard"}
	out := make([]any, 0, n)
	for i := 0; i < len(kws) && len(out) < n; i++ {
		level := fixed
		if level == "" {
			level = levels[i%len(levels)]
		}
		a := titleCase(kws[i].Word)
		b := a
		if i+1 < len(kws) {
			b = titleCase(kws[i+1].Word)
		}
		var q string
		switch level {
		case "easy":
			q = "Describe " + a + " in your own words."
		case "hard":
			q = "Critically evaluate the role of " + a + " and its limits, using " + b + " as a counterpoint."
		default:
			q = "Explain how " + a + " relates to " + b + "."
		}
		if cfg.Focus != "" {
			q += " Focus on " + cfg.Focus + "."
		}
		out = append(out, OpenQuestion{Question: q, Guidance: sentenceFor(idx, kws[i].Word), Difficulty: level})
	}
	return out
}

func conceptMaps(idx search.Index, n int) []any {
	kws := idx.Keywords(n * conceptMapNodes)
	passages := idx.Passages()
	out := make([]any, 0, n)
	for m := 0; m < n && m*conceptMapNodes < len(kws); m++ {
		group := kws[m*conceptMapNodes : min(len(kws), (m+1)*conceptMapNodes)]
		cm := ConceptMap{Title: titleCase(group[0].Word)}
		patterns := make([]*regexp.Regexp, len(group))
		for i, kw := range group {
			cm.Nodes = append(cm.Nodes, ConceptNode{ID: kw.Word, Label: titleCase(kw.Word)})
			patterns[i] = wordPattern(kw.Word)
		}
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				w := 0
				for _, p := range passages {
					if patterns[i].MatchString(p) && patterns[j].MatchString(p) {
						w++
					}
				}
				if w > 0 {
					cm.Edges = append(cm.Edges, ConceptEdge{From: group[i].Word, To: group[j].Word, Label: "related to", Weight: w})
				}
			}
		}
		out = append(out, cm)
	}
	return out
}

// sentenceFor returns the first sentence mentioning word in the passages
// that best match it.
func sentenceFor(idx search.Index, word string) string {
	re := wordPattern(word)
	for _, r := range idx.TopK(word, 5) {
		for _, s := range search.Sentences(r.Passage) {
			if re.MatchString(s) {
				return s
			}
		}
	}
	return ""
}

func wordPattern(word string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
}

func sentencesFor(length string) int {
	switch length {
	case "short":
		return 2
	case "long":
		return 7
	}
	return 4
}

func labels(terms []search.Term) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = titleCase(t.Word)
	}
	return out
}

func titleCase(s string) string { return cases.Title(language.English).String(s) }
