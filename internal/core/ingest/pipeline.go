package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/feuille-app/feuille/internal/core"
	"github.com/feuille-app/feuille/internal/models"
)

// DefaultBatchSize bounds how many chunks one batch job embeds. Small
// enough that a single job finishes well inside any sane request budget.
const DefaultBatchSize = 50

// Config tunes the ingestion pipeline.
type Config struct {
	PdfBucket    string
	ChunkBucket  string
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
}

// Pipeline runs the two ingestion stages. All collaborators are injected
// so tests can substitute fakes.
//
// Prepare: download pdf -> extract pages -> chunk -> persist chunk blob.
// Batch:   embed one slice of chunks -> persist sections -> schedule next.
type Pipeline struct {
	db        core.DbClient
	store     core.ObjectClient
	embedder  core.EmbeddingProvider
	extractor core.TextExtractor
	cfg       Config
	logger    *slog.Logger
}

func NewPipeline(db core.DbClient, store core.ObjectClient, emb core.EmbeddingProvider, ext core.TextExtractor, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Pipeline{db: db, store: store, embedder: emb, extractor: ext, cfg: cfg, logger: logger}
}

// ChunkBlobKey is the chunk-bucket key for a document's serialized chunks.
func ChunkBlobKey(documentID string) string {
	return fmt.Sprintf("doc_%s_chunks.json", documentID)
}

// Run dispatches a claimed job to its stage handler and owns the failure
// path: any stage error marks the document failed with a diagnostic and
// drops the job, so no further batches run.
func (p *Pipeline) Run(ctx context.Context, job *models.IngestJob) error {
	err := job.Validate()
	if err == nil {
		switch job.Stage {
		case models.StagePrepare:
			if err = p.prepare(ctx, job); err != nil {
				err = fmt.Errorf("prepare: %w", err)
			}
		case models.StageBatch:
			if err = p.processBatch(ctx, job); err != nil {
				err = fmt.Errorf("batch %d: %w", job.BatchIndex, err)
			}
		}
	}
	if err != nil {
		p.fail(ctx, job, err)
		return err
	}
	return nil
}

// prepare runs once per ingestion: it turns the uploaded file into the
// chunk blob the batch stage consumes, then schedules batch 0.
func (p *Pipeline) prepare(ctx context.Context, job *models.IngestJob) error {
	if err := p.db.UpdateDocumentStatus(ctx, job.DocumentID, models.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	doc, err := p.db.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", job.DocumentID)
	}

	data, err := p.store.Download(ctx, p.cfg.PdfBucket, doc.StoragePath)
	if err != nil {
		return fmt.Errorf("download %s: %w", doc.StoragePath, err)
	}

	pages, err := p.extractor.Extract(ctx, data, doc.ContentType)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	text := strings.Join(pages, "\n\n")

	chunks, err := Chunks(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("encode chunks: %w", err)
	}
	key := ChunkBlobKey(doc.ID)
	if err := p.store.Upload(ctx, p.cfg.ChunkBucket, key, blob, "application/json"); err != nil {
		return fmt.Errorf("store chunk blob: %w", err)
	}

	// A rerun after a failure must not double-insert sections.
	if err := p.db.DeleteSectionsByPath(ctx, doc.UserID, doc.StoragePath); err != nil {
		return fmt.Errorf("clear stale sections: %w", err)
	}

	p.logger.Info("document prepared",
		slog.String("document_id", doc.ID),
		slog.Int("chunks", len(chunks)))

	if err := p.db.AdvanceIngestJob(ctx, job.ID, models.StageBatch, key, 0); err != nil {
		return fmt.Errorf("schedule first batch: %w", err)
	}
	return nil
}

// processBatch embeds one slice of the chunk blob. An empty slice is the
// terminal success: the blob is deleted and the document completes.
func (p *Pipeline) processBatch(ctx context.Context, job *models.IngestJob) error {
	doc, err := p.db.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", job.DocumentID)
	}

	blob, err := p.store.Download(ctx, p.cfg.ChunkBucket, job.ChunkPath)
	if err != nil {
		return fmt.Errorf("download chunk blob: %w", err)
	}
	var chunks []string
	if err := json.Unmarshal(blob, &chunks); err != nil {
		return fmt.Errorf("decode chunk blob: %w", err)
	}

	start := job.BatchIndex * p.cfg.BatchSize
	if start >= len(chunks) {
		if err := p.store.Delete(ctx, p.cfg.ChunkBucket, job.ChunkPath); err != nil {
			return fmt.Errorf("delete chunk blob: %w", err)
		}
		if err := p.db.UpdateDocumentStatus(ctx, job.DocumentID, models.StatusCompleted, ""); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if err := p.db.DeleteIngestJob(ctx, job.ID); err != nil {
			return fmt.Errorf("drop finished job: %w", err)
		}
		p.logger.Info("document completed",
			slog.String("document_id", doc.ID),
			slog.Int("batches", job.BatchIndex))
		return nil
	}

	end := start + p.cfg.BatchSize
	if end > len(chunks) {
		end = len(chunks)
	}
	batch := chunks[start:end]

	vectors, err := p.embedder.EmbedTexts(ctx, batch, core.EmbedInputDocument)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed: got %d vectors for %d texts", len(vectors), len(batch))
	}

	sections := make([]models.Section, len(batch))
	for i, content := range batch {
		sections[i] = models.Section{
			ID:           uuid.NewString(),
			UserID:       doc.UserID,
			Content:      content,
			Embedding:    vectors[i],
			DocumentPath: doc.StoragePath,
		}
	}

	// Sections and the follow-up job land in one transaction: a crash here
	// either repeats this whole batch or none of it, never half.
	if err := p.db.InsertSectionsAndAdvance(ctx, sections, job.ID, job.BatchIndex+1); err != nil {
		return fmt.Errorf("persist sections: %w", err)
	}

	p.logger.Info("batch embedded",
		slog.String("document_id", doc.ID),
		slog.Int("batch", job.BatchIndex),
		slog.Int("sections", len(sections)))
	return nil
}

// fail records the diagnostic on the document and removes the job. The
// status field is the only failure channel the UI has; if that write also
// fails the document stays in processing, which we can only log.
func (p *Pipeline) fail(ctx context.Context, job *models.IngestJob, cause error) {
	if err := p.db.UpdateDocumentStatus(ctx, job.DocumentID, models.StatusFailed, cause.Error()); err != nil {
		p.logger.Error("could not record failure",
			slog.String("document_id", job.DocumentID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
	}
	if err := p.db.DeleteIngestJob(ctx, job.ID); err != nil {
		p.logger.Error("could not drop failed job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}
