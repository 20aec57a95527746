package models

import (
	"fmt"
	"time"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Document represents one uploaded PDF and its ingestion state.
type Document struct {
	ID            string         `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	FileName      string         `db:"file_name" json:"file_name"`
	StoragePath   string         `db:"storage_path" json:"storage_path"` // key inside the pdf bucket
	ContentType   string         `db:"content_type" json:"content_type"`
	Status        DocumentStatus `db:"status" json:"status"`
	StatusMessage string         `db:"status_message" json:"status_message,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Section is the persisted unit of retrieval: one embedded chunk of a
// document, tagged with its owner and the source document path.
type Section struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"user_id"`
	Content      string    `db:"content" json:"content"`
	Embedding    []float32 `db:"embedding" json:"-"` // pgvector column
	DocumentPath string    `db:"document_path" json:"document_path"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// SectionMatch is a retrieval hit: a section plus its distance to the query.
type SectionMatch struct {
	Section
	Distance float64 `json:"distance"`
}

// IngestStage names the two pipeline stages.
type IngestStage string

const (
	StagePrepare IngestStage = "prepare" // extract + chunk + persist chunk blob
	StageBatch   IngestStage = "batch"   // embed one batch of chunks
)

// IngestJob is the durable "next step" record for a document's pipeline.
// Exactly one job row exists per active document; each stage replaces its
// own row with the follow-up step, so progress survives a restart.
type IngestJob struct {
	ID         string      `db:"id"`
	DocumentID string      `db:"document_id"`
	Stage      IngestStage `db:"stage"`
	ChunkPath  string      `db:"chunk_path"`  // key of the chunk blob, set once prepare ran
	BatchIndex int         `db:"batch_index"` // next batch to embed, zero-based
	CreatedAt  time.Time   `db:"created_at"`
	StartedAt  *time.Time  `db:"started_at"`
}

// Validate checks the inter-stage payload before a worker acts on it.
func (j *IngestJob) Validate() error {
	if j.DocumentID == "" {
		return fmt.Errorf("ingest job %s: missing document id", j.ID)
	}
	switch j.Stage {
	case StagePrepare:
		return nil
	case StageBatch:
		if j.ChunkPath == "" {
			return fmt.Errorf("ingest job %s: batch stage without chunk path", j.ID)
		}
		if j.BatchIndex < 0 {
			return fmt.Errorf("ingest job %s: negative batch index %d", j.ID, j.BatchIndex)
		}
		return nil
	default:
		return fmt.Errorf("ingest job %s: unknown stage %q", j.ID, j.Stage)
	}
}
