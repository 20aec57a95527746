package services

import (
	"context"
	"fmt"

	"github.com/feuille-app/feuille/internal/core"
	"github.com/feuille-app/feuille/internal/models"
)

const defaultSearchLimit = 5

// SearchService answers semantic queries over a user's ingested sections.
// Queries are embedded with the query-side input type; sections were
// embedded with the document-side one.
type SearchService struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
}

func NewSearchService(db core.DbClient, embedder core.EmbeddingProvider) *SearchService {
	return &SearchService{db: db, embedder: embedder}
}

func (s *SearchService) Search(ctx context.Context, userID, query, documentPath string, limit int) ([]models.SectionMatch, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	vecs, err := s.embedder.EmbedTexts(ctx, []string{query}, core.EmbedInputQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	return s.db.SearchSections(ctx, userID, vecs[0], documentPath, limit)
}
