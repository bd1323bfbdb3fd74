// Package generator produces study artifacts from course material text.
//
// Generator is the seam to the content model. The model itself is opaque to
// the rest of the service: workers hand it the selected content type, its
// feature config, and the material text, and persist whatever items come
// back. ExtractiveGenerator is the built-in implementation; it assembles
// artifacts from the material's own sentences through the passage index.
package generator

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// ErrInsufficientContent is returned when the materials carry no usable text.
var ErrInsufficientContent = errors.New("materials contain no usable text")

// Source is one material's extracted text.
type Source struct {
	MaterialID string
	Title      string
	Text       string
}

// Request asks for artifacts of one content type.
type Request struct {
	ContentType domain.ContentType
	Config      domain.FeatureConfig
	Sources     []Source
}

// Output is what a generation produced. Items are JSON-encodable bodies
// stored as generated items in order.
type Output struct {
	Items      []any
	TokensUsed int64
}

// Generator produces artifacts for one content type.
type Generator interface {
	Generate(ctx context.Context, req Request) (Output, error)
}

// DefaultCount is the item count used when a feature config leaves it zero.
func DefaultCount(ct domain.ContentType) int {
	switch ct {
	case domain.ContentSummaries, domain.ContentConceptMaps:
		return 1
	case domain.ContentGoldenNotes, domain.ContentMCQs:
		return 5
	case domain.ContentCuecards:
		return 10
	case domain.ContentOpenQuestions:
		return 3
	}
	return 1
}

// EstimateTokens approximates model tokens as one per four runes.
func EstimateTokens(texts ...string) int64 {
	var n int
	for _, t := range texts {
		n += utf8.RuneCountInString(t)
	}
	return int64((n + 3) / 4)
}
