package generator

import (
	"context"
	"fmt"

	"github.com/studyloopai/studyloop-backend/internal/search"
)

// Embedder chunks and indexes one material's text. It returns the number of
// chunks produced.
type Embedder interface {
	Embed(ctx context.Context, text string) (int, error)
}

// IndexEmbedder chunks text into paragraphs with the passage index.
type IndexEmbedder struct {
	opts []search.Option
}

// NewIndexEmbedder returns an Embedder using opts for the passage index.
func NewIndexEmbedder(opts ...search.Option) *IndexEmbedder {
	return &IndexEmbedder{opts: opts}
}

// Embed implements Embedder.
func (e *IndexEmbedder) Embed(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	idx := search.NewIndexFromText(text, e.opts...)
	if idx.Len() == 0 {
		return 0, fmt.Errorf("embed: %w", ErrInsufficientContent)
	}
	return idx.Len(), nil
}
