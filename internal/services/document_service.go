package services

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/feuille-app/feuille/internal/core"
	"github.com/feuille-app/feuille/internal/core/ingest"
	"github.com/feuille-app/feuille/internal/models"
)

type DocumentService struct {
	db          core.DbClient
	storage     core.ObjectClient
	pdfBucket   string
	chunkBucket string
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, pdfBucket, chunkBucket string) *DocumentService {
	return &DocumentService{db: db, storage: storage, pdfBucket: pdfBucket, chunkBucket: chunkBucket}
}

// UploadAndCreate stores the file and records the document as pending.
// Ingestion starts separately via StartIngestion.
func (s *DocumentService) UploadAndCreate(ctx context.Context, userID, filename, contentType string, data []byte) (*models.Document, error) {
	docID := uuid.NewString()
	key := s.objectKey(userID, docID, filename)

	if err := s.storage.Upload(ctx, s.pdfBucket, key, data, contentType); err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:          docID,
		UserID:      userID,
		FileName:    filename,
		StoragePath: key,
		ContentType: contentType,
		Status:      models.StatusPending,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// StartIngestion enqueues the prepare job for a document. Returns
// core.ErrPipelineActive when a run is already queued or underway.
func (s *DocumentService) StartIngestion(ctx context.Context, docID string) error {
	return s.db.EnqueueIngest(ctx, &models.IngestJob{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Stage:      models.StagePrepare,
	})
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.db.GetDocumentByID(ctx, id)
}

func (s *DocumentService) ListByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return s.db.ListDocumentsByUser(ctx, userID)
}

// Delete removes the stored file, the document's sections, any chunk blob
// left by an interrupted run, and the document row. The queue row goes
// with the document via the foreign key.
func (s *DocumentService) Delete(ctx context.Context, doc *models.Document) error {
	if err := s.storage.Delete(ctx, s.pdfBucket, doc.StoragePath); err != nil {
		return fmt.Errorf("delete stored file: %w", err)
	}
	// Best effort: the blob only exists while a pipeline is mid-flight.
	_ = s.storage.Delete(ctx, s.chunkBucket, ingest.ChunkBlobKey(doc.ID))

	if err := s.db.DeleteSectionsByPath(ctx, doc.UserID, doc.StoragePath); err != nil {
		return fmt.Errorf("delete sections: %w", err)
	}
	return s.db.DeleteDocument(ctx, doc.ID)
}

// objectKey creates a consistent S3 key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docID, filename)
}
