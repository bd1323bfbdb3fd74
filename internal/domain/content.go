package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ContentType is an independently generated artifact kind.
type ContentType string

const (
	ContentSummaries     ContentType = "summaries"
	ContentGoldenNotes   ContentType = "goldenNotes"
	ContentCuecards      ContentType = "cuecards"
	ContentMCQs          ContentType = "mcqs"
	ContentOpenQuestions ContentType = "openQuestions"
	ContentConceptMaps   ContentType = "conceptMaps"
)

// AllContentTypes lists every content type in canonical order. Iteration
// over selections always follows this order so dispatch is deterministic.
var AllContentTypes = []ContentType{
	ContentSummaries,
	ContentGoldenNotes,
	ContentCuecards,
	ContentMCQs,
	ContentOpenQuestions,
	ContentConceptMaps,
}

// ParseContentType accepts the canonical camelCase name as well as
// snake_case and kebab-case spellings ("golden_notes", "open-questions").
func ParseContentType(s string) (ContentType, bool) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s)))
	for _, ct := range AllContentTypes {
		if strings.ToLower(string(ct)) == norm {
			return ct, true
		}
	}
	return "", false
}

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	for _, ct := range AllContentTypes {
		if ct == c {
			return true
		}
	}
	return false
}

// Words splits the camelCase name into lower-case words.
func (c ContentType) Words() []string {
	var (
		words []string
		cur   []rune
	)
	for _, r := range string(c) {
		if unicode.IsUpper(r) && len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
		cur = append(cur, unicode.ToLower(r))
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}

// Kebab returns the kebab-case form used in task identifiers.
func (c ContentType) Kebab() string { return strings.Join(c.Words(), "-") }

// Label is the human-facing name ("Golden Notes", "MCQs").
func (c ContentType) Label() string {
	if c == ContentMCQs {
		return "MCQs"
	}
	// Casers are stateful; one per call keeps Label safe for concurrent use.
	return cases.Title(language.English).String(strings.Join(c.Words(), " "))
}

// FeatureConfig is the parameter bag for one selected content type.
// Zero values mean "use the generator default".
type FeatureConfig struct {
	Count      int    `json:"count,omitempty"      validate:"gte=0,lte=100"`
	Difficulty string `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard mixed"`
	Focus      string `json:"focus,omitempty"      validate:"max=500"`
	Style      string `json:"style,omitempty"      validate:"max=100"`
	Length     string `json:"length,omitempty"     validate:"omitempty,oneof=short medium long"`
	Language   string `json:"language,omitempty"   validate:"omitempty,max=16"`
}

// SelectiveConfig selects which content types to generate and with which
// parameters. A type is dispatchable only when it is selected AND has a
// FeatureConfig entry.
type SelectiveConfig struct {
	SelectedFeatures map[ContentType]bool          `json:"selectedFeatures"`
	FeatureConfigs   map[ContentType]FeatureConfig `json:"featureConfigs"`
}

// Enabled returns the dispatchable content types in canonical order.
func (s SelectiveConfig) Enabled() []ContentType {
	out := make([]ContentType, 0, len(AllContentTypes))
	for _, ct := range AllContentTypes {
		if !s.SelectedFeatures[ct] {
			continue
		}
		if _, ok := s.FeatureConfigs[ct]; !ok {
			continue
		}
		out = append(out, ct)
	}
	return out
}

// IsEnabled reports whether ct is selected and configured.
func (s SelectiveConfig) IsEnabled(ct ContentType) bool {
	if !s.SelectedFeatures[ct] {
		return false
	}
	_, ok := s.FeatureConfigs[ct]
	return ok
}
