package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/feuille-app/feuille/internal/config"
	"github.com/feuille-app/feuille/internal/core"
	db "github.com/feuille-app/feuille/internal/core/database"
	"github.com/feuille-app/feuille/internal/core/ingest"
	"github.com/feuille-app/feuille/internal/core/llm"
	"github.com/feuille-app/feuille/internal/core/objectstore"
	"github.com/feuille-app/feuille/internal/services"
)

type App struct {
	DBClient *db.DatabaseClient
	Worker   *ingest.Worker
	Server   *Server

	embedderCloser interface{ Close() error }
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("database initialized and ready")

	objClient, err := objectstore.NewS3Client(appCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	embedder, closer, err := newEmbedder(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}

	extractor := ingest.NewDocExtractor(logger)

	pipeline := ingest.NewPipeline(dbClient, objClient, embedder, extractor, ingest.Config{
		PdfBucket:    cfg.PdfBucket,
		ChunkBucket:  cfg.ChunkBucket,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.BatchSize,
	}, logger)

	worker := ingest.NewWorker(dbClient, pipeline, cfg.PollInterval, logger)

	docService := services.NewDocumentService(dbClient, objClient, cfg.PdfBucket, cfg.ChunkBucket)
	searchService := services.NewSearchService(dbClient, embedder)

	server := NewServer(cfg, dbClient, docService, searchService, worker, logger)

	return &App{
		DBClient:       dbClient,
		Worker:         worker,
		Server:         server,
		embedderCloser: closer,
	}, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, interface{ Close() error }, error) {
	switch cfg.EmbedProvider {
	case "gemini":
		g, err := llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case "cohere":
		c, err := llm.NewCohereEmbedder(cfg.CohereAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown embed provider %q", cfg.EmbedProvider)
	}
}

func (a *App) Close() {
	if a.embedderCloser != nil {
		_ = a.embedderCloser.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
