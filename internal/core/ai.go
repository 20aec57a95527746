package core

import (
	"context"
	"fmt"
)

// EmbedInputType is the provider-side discriminator between vectors built
// for indexing and vectors built for querying.
type EmbedInputType string

const (
	EmbedInputDocument EmbedInputType = "search_document"
	EmbedInputQuery    EmbedInputType = "search_query"
)

// EmbeddingProvider turns texts into fixed-dimensionality vectors, one per
// input, order preserved.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string, input EmbedInputType) ([][]float32, error)
}

// DimensionMismatchError reports a returned vector whose length differs
// from the configured embedding dimensionality.
type DimensionMismatchError struct {
	Index int
	Want  int
	Got   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding %d: dimension %d, want %d", e.Index, e.Got, e.Want)
}
