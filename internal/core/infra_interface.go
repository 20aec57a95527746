package core

import (
	"context"
	"errors"

	"github.com/feuille-app/feuille/internal/models"
)

// ErrPipelineActive is returned when an ingestion run is requested for a
// document that already has a job row in the queue.
var ErrPipelineActive = errors.New("ingestion already in progress for document")

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// UpdateDocumentStatus enforces the pending -> processing ->
	// completed|failed state machine: the write only lands when the current
	// status is a legal source for the requested one.
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error

	InsertSections(ctx context.Context, sections []models.Section) error
	DeleteSectionsByPath(ctx context.Context, userID, documentPath string) error
	SearchSections(ctx context.Context, userID string, query []float32, documentPath string, limit int) ([]models.SectionMatch, error)

	// EnqueueIngest creates the durable job row for a document. At most one
	// job per document exists; a duplicate trigger gets ErrPipelineActive.
	EnqueueIngest(ctx context.Context, job *models.IngestJob) error
	// ClaimIngestJob leases the oldest unstarted job, or returns nil when
	// the queue is drained.
	ClaimIngestJob(ctx context.Context) (*models.IngestJob, error)
	// AdvanceIngestJob rewrites a claimed job as the follow-up step and
	// releases the lease.
	AdvanceIngestJob(ctx context.Context, jobID string, stage models.IngestStage, chunkPath string, batchIndex int) error
	// InsertSectionsAndAdvance persists one batch's sections and records the
	// next batch index in a single transaction, so a crash between the two
	// cannot lose or repeat a batch.
	InsertSectionsAndAdvance(ctx context.Context, sections []models.Section, jobID string, nextBatchIndex int) error
	DeleteIngestJob(ctx context.Context, jobID string) error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}
