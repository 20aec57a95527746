package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/feuille-app/feuille/internal/config"
	"github.com/feuille-app/feuille/internal/core"
	"github.com/feuille-app/feuille/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q, user.ID, user.Email, user.PasswordHash)
	return err
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, storage_path, content_type, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, now(), now())
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.FileName, doc.StoragePath, doc.ContentType, string(doc.Status))
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_path, content_type, status, status_message, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	return scanDocument(c.db.QueryRowContext(ctx, q, id))
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_path, content_type, status, status_message, created_at, updated_at
		FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var (
			d   models.Document
			msg sql.NullString
		)
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.FileName, &d.StoragePath, &d.ContentType, &d.Status, &msg, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		d.StatusMessage = msg.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// UpdateDocumentStatus only writes when the current status is a legal
// source for the requested one, so an illegal transition never lands.
func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error {
	sources := models.TransitionSources(status)
	if len(sources) == 0 {
		return fmt.Errorf("status %q is not a valid transition target", status)
	}

	args := []any{id, string(status), message}
	placeholders := make([]string, len(sources))
	for i, s := range sources {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(s))
	}

	q := fmt.Sprintf(`
		UPDATE documents
		SET status = $2, status_message = NULLIF($3, ''), updated_at = now()
		WHERE id = $1 AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document %s: no legal transition to %s", id, status)
	}
	return nil
}

func scanDocument(row *sql.Row) (*models.Document, error) {
	var (
		d   models.Document
		msg sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.UserID, &d.FileName, &d.StoragePath, &d.ContentType, &d.Status, &msg, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.StatusMessage = msg.String
	return &d, nil
}

// Sections

func (c *DatabaseClient) InsertSections(ctx context.Context, sections []models.Section) error {
	if len(sections) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := insertSectionsTx(ctx, tx, sections); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertSectionsTx(ctx context.Context, tx *sql.Tx, sections []models.Section) error {
	const q = `
		INSERT INTO document_sections
			(id, user_id, content, embedding, document_path, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range sections {
		s := &sections[i]
		vec := pgvector.NewVector(s.Embedding)
		if _, err := stmt.ExecContext(ctx, s.ID, s.UserID, s.Content, vec, s.DocumentPath); err != nil {
			return err
		}
	}
	return nil
}

func (c *DatabaseClient) DeleteSectionsByPath(ctx context.Context, userID, documentPath string) error {
	const q = `DELETE FROM document_sections WHERE user_id = $1 AND document_path = $2`
	_, err := c.db.ExecContext(ctx, q, userID, documentPath)
	return err
}

// SearchSections finds the top-k sections owned by userID closest to the
// query vector, optionally restricted to one source document.
func (c *DatabaseClient) SearchSections(ctx context.Context, userID string, query []float32, documentPath string, limit int) ([]models.SectionMatch, error) {
	const q = `
		SELECT id, user_id, content, document_path, created_at, embedding <=> $2 AS distance
		FROM document_sections
		WHERE user_id = $1 AND ($3 = '' OR document_path = $3)
		ORDER BY embedding <=> $2
		LIMIT $4
	`
	vec := pgvector.NewVector(query)
	rows, err := c.db.QueryContext(ctx, q, userID, vec, documentPath, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SectionMatch
	for rows.Next() {
		var m models.SectionMatch
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.DocumentPath, &m.CreatedAt, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ingest job queue

func (c *DatabaseClient) EnqueueIngest(ctx context.Context, job *models.IngestJob) error {
	if job == nil {
		return errors.New("nil job")
	}
	const q = `
		INSERT INTO ingest_jobs (id, document_id, stage, chunk_path, batch_index, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (document_id) DO NOTHING
	`
	res, err := c.db.ExecContext(ctx, q,
		job.ID, job.DocumentID, string(job.Stage), job.ChunkPath, job.BatchIndex)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrPipelineActive
	}
	return nil
}

// jobLeaseTimeout bounds how long a claim stays exclusive. A worker that
// dies mid-stage leaves started_at set; once the lease ages out the job is
// claimable again, so a crash never strands a document.
const jobLeaseTimeout = 10 * time.Minute

// ClaimIngestJob leases the oldest claimable job. SKIP LOCKED keeps
// concurrent workers from fighting over the same row; an expired lease
// counts as claimable.
func (c *DatabaseClient) ClaimIngestJob(ctx context.Context) (*models.IngestJob, error) {
	const q = `
		UPDATE ingest_jobs SET started_at = now()
		WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE started_at IS NULL OR started_at < now() - make_interval(secs => $1)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, document_id, stage, chunk_path, batch_index, created_at, started_at
	`
	var j models.IngestJob
	err := c.db.QueryRowContext(ctx, q, jobLeaseTimeout.Seconds()).Scan(
		&j.ID, &j.DocumentID, &j.Stage, &j.ChunkPath, &j.BatchIndex, &j.CreatedAt, &j.StartedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *DatabaseClient) AdvanceIngestJob(ctx context.Context, jobID string, stage models.IngestStage, chunkPath string, batchIndex int) error {
	const q = `
		UPDATE ingest_jobs
		SET stage = $2, chunk_path = $3, batch_index = $4, started_at = NULL
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, jobID, string(stage), chunkPath, batchIndex)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ingest job not found: %s", jobID)
	}
	return nil
}

// InsertSectionsAndAdvance writes one batch's sections and the follow-up
// job step in a single transaction.
func (c *DatabaseClient) InsertSectionsAndAdvance(ctx context.Context, sections []models.Section, jobID string, nextBatchIndex int) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := insertSectionsTx(ctx, tx, sections); err != nil {
		_ = tx.Rollback()
		return err
	}

	const q = `
		UPDATE ingest_jobs
		SET batch_index = $2, started_at = NULL
		WHERE id = $1
	`
	res, err := tx.ExecContext(ctx, q, jobID, nextBatchIndex)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("ingest job not found: %s", jobID)
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteIngestJob(ctx context.Context, jobID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = $1`, jobID)
	return err
}

var _ core.DbClient = (*DatabaseClient)(nil)
