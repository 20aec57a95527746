package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feuille-app/feuille/internal/core"
	"github.com/feuille-app/feuille/internal/models"
)

// fakeDB is an in-memory core.DbClient covering the operations the
// pipeline and worker touch. The job queue mirrors the real client's
// one-row-per-document rule, oldest-first claims, and lease expiry.
type fakeDB struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	sections []models.Section
	jobs     []*models.IngestJob
	seq      int
	lease    time.Duration

	failTerminalStatus bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{docs: map[string]*models.Document{}, lease: 10 * time.Minute}
}

func (f *fakeDB) CreateUser(ctx context.Context, user *models.User) error { return nil }
func (f *fakeDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, nil
}

func (f *fakeDB) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDB) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDB) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return nil, nil
}

func (f *fakeDB) DeleteDocument(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeDB) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTerminalStatus && status.Terminal() {
		return fmt.Errorf("status write refused")
	}
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	if !doc.Status.CanTransition(status) {
		return fmt.Errorf("no legal transition %s -> %s", doc.Status, status)
	}
	doc.Status = status
	doc.StatusMessage = message
	return nil
}

func (f *fakeDB) InsertSections(ctx context.Context, sections []models.Section) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections = append(f.sections, sections...)
	return nil
}

func (f *fakeDB) DeleteSectionsByPath(ctx context.Context, userID, documentPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.sections[:0]
	for _, s := range f.sections {
		if !(s.UserID == userID && s.DocumentPath == documentPath) {
			kept = append(kept, s)
		}
	}
	f.sections = kept
	return nil
}

func (f *fakeDB) SearchSections(ctx context.Context, userID string, query []float32, documentPath string, limit int) ([]models.SectionMatch, error) {
	return nil, nil
}

func (f *fakeDB) EnqueueIngest(ctx context.Context, job *models.IngestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.DocumentID == job.DocumentID {
			return core.ErrPipelineActive
		}
	}
	f.seq++
	job.CreatedAt = time.Unix(int64(f.seq), 0)
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeDB) ClaimIngestJob(ctx context.Context) (*models.IngestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *models.IngestJob
	for _, j := range f.jobs {
		if j.StartedAt != nil && time.Since(*j.StartedAt) < f.lease {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := time.Now()
	oldest.StartedAt = &now
	cp := *oldest
	return &cp, nil
}

func (f *fakeDB) AdvanceIngestJob(ctx context.Context, jobID string, stage models.IngestStage, chunkPath string, batchIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == jobID {
			j.Stage = stage
			j.ChunkPath = chunkPath
			j.BatchIndex = batchIndex
			j.StartedAt = nil
			return nil
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

func (f *fakeDB) InsertSectionsAndAdvance(ctx context.Context, sections []models.Section, jobID string, nextBatchIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == jobID {
			f.sections = append(f.sections, sections...)
			j.BatchIndex = nextBatchIndex
			j.StartedAt = nil
			return nil
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

func (f *fakeDB) DeleteIngestJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, j := range f.jobs {
		if j.ID == jobID {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeDB) document(t *testing.T, id string) *models.Document {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	require.True(t, ok, "document %s", id)
	cp := *doc
	return &cp
}

func (f *fakeDB) sectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sections)
}

func (f *fakeDB) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// fakeStore is an in-memory core.ObjectClient.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no object %s/%s", bucket, key)
	}
	return data, nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

func (f *fakeStore) has(bucket, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[bucket+"/"+key]
	return ok
}

// fakeEmbedder returns zero vectors of a fixed dimension and can fail on
// the n-th call to simulate a provider outage mid-document.
type fakeEmbedder struct {
	mu        sync.Mutex
	dim       int
	calls     int
	failOn    int // 1-based call number, 0 disables
	shortBy   int // return this many vectors fewer than texts
	lastInput core.EmbedInputType
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string, input core.EmbedInputType) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastInput = input
	if f.failOn > 0 && f.calls == f.failOn {
		return nil, fmt.Errorf("provider unavailable")
	}
	n := len(texts) - f.shortBy
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = make([]float32, f.dim)
	}
	return vectors, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeExtractor hands back canned pages.
type fakeExtractor struct {
	pages []string
	err   error
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, contentType string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type pipelineFixture struct {
	db       *fakeDB
	store    *fakeStore
	embedder *fakeEmbedder
	worker   *Worker
	doc      *models.Document
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipelineFixture(t *testing.T, pages []string, extractErr error, emb *fakeEmbedder, cfg Config) *pipelineFixture {
	t.Helper()
	db := newFakeDB()
	store := newFakeStore()
	logger := discardLogger()

	pipeline := NewPipeline(db, store, emb, &fakeExtractor{pages: pages, err: extractErr}, cfg, logger)
	worker := NewWorker(db, pipeline, time.Minute, logger)

	doc := &models.Document{
		ID:          uuid.NewString(),
		UserID:      uuid.NewString(),
		FileName:    "notes.pdf",
		StoragePath: "users/u1/documents/d1/notes.pdf",
		ContentType: "application/pdf",
		Status:      models.StatusPending,
	}
	require.NoError(t, db.CreateDocument(context.Background(), doc))
	require.NoError(t, store.Upload(context.Background(), cfg.PdfBucket, doc.StoragePath, []byte("%PDF"), "application/pdf"))
	require.NoError(t, db.EnqueueIngest(context.Background(), &models.IngestJob{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Stage:      models.StagePrepare,
	}))

	return &pipelineFixture{db: db, store: store, embedder: emb, worker: worker, doc: doc}
}

func TestPipelineEndToEnd(t *testing.T) {
	// 1200 characters with size 500 / overlap 50 yield three chunks; batch
	// size 2 means two embed calls before the empty terminal batch.
	text := strings.Repeat("a", 1200)
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 2}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, []string{text}, nil, emb, cfg)

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Empty(t, doc.StatusMessage)
	assert.Equal(t, 3, fx.db.sectionCount())
	assert.Equal(t, 2, emb.callCount())
	assert.Equal(t, core.EmbedInputDocument, emb.lastInput)
	assert.Equal(t, 0, fx.db.jobCount(), "finished job must leave the queue")
	assert.False(t, fx.store.has("chunks", ChunkBlobKey(fx.doc.ID)), "chunk blob must be cleaned up")
}

func TestPipelineSectionsCarryDocumentIdentity(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 10, ChunkOverlap: 2, BatchSize: 50}
	emb := &fakeEmbedder{dim: 4}
	fx := newPipelineFixture(t, []string{"hello world, this is page one"}, nil, emb, cfg)

	fx.worker.drain(context.Background(), 1)

	fx.db.mu.Lock()
	defer fx.db.mu.Unlock()
	require.NotEmpty(t, fx.db.sections)
	for _, s := range fx.db.sections {
		assert.Equal(t, fx.doc.UserID, s.UserID)
		assert.Equal(t, fx.doc.StoragePath, s.DocumentPath)
		assert.Len(t, s.Embedding, 4)
		assert.NotEmpty(t, s.Content)
	}
}

func TestPipelineEmbedFailureMidDocument(t *testing.T) {
	// Three chunks, batch size 1. The second embed call fails, so exactly
	// one batch of sections survives and no further batch runs.
	text := strings.Repeat("b", 1200)
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 1}
	emb := &fakeEmbedder{dim: 8, failOn: 2}
	fx := newPipelineFixture(t, []string{text}, nil, emb, cfg)

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.StatusMessage, "batch 1")
	assert.Contains(t, doc.StatusMessage, "provider unavailable")
	assert.Equal(t, 1, fx.db.sectionCount())
	assert.Equal(t, 2, emb.callCount())
	assert.Equal(t, 0, fx.db.jobCount(), "failed job must leave the queue")
}

func TestPipelineVectorCountMismatch(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8, shortBy: 1}
	fx := newPipelineFixture(t, []string{strings.Repeat("c", 1200)}, nil, emb, cfg)

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.StatusMessage, "vectors")
	assert.Equal(t, 0, fx.db.sectionCount())
}

func TestPipelineExtractFailure(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, nil, fmt.Errorf("pdf is encrypted"), emb, cfg)

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Contains(t, doc.StatusMessage, "extract text")
	assert.Equal(t, 0, emb.callCount())
	assert.Equal(t, 0, fx.db.jobCount())
}

func TestPipelineRerunReplacesStaleSections(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, []string{strings.Repeat("d", 600)}, nil, emb, cfg)

	// Leftovers from an earlier run that died mid-way.
	require.NoError(t, fx.db.InsertSections(context.Background(), []models.Section{
		{ID: uuid.NewString(), UserID: fx.doc.UserID, Content: "stale", DocumentPath: fx.doc.StoragePath},
		{ID: uuid.NewString(), UserID: fx.doc.UserID, Content: "stale too", DocumentPath: fx.doc.StoragePath},
	}))

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	// 600 chars at 500/50 make two chunks; only those remain.
	assert.Equal(t, 2, fx.db.sectionCount())
}

func TestPipelineEmptyDocumentCompletes(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, []string{""}, nil, emb, cfg)

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 0, fx.db.sectionCount())
	assert.Equal(t, 0, emb.callCount())
}

func TestEnqueueDuplicateDocumentRejected(t *testing.T) {
	db := newFakeDB()
	job := func() *models.IngestJob {
		return &models.IngestJob{ID: uuid.NewString(), DocumentID: "doc-1", Stage: models.StagePrepare}
	}
	require.NoError(t, db.EnqueueIngest(context.Background(), job()))
	err := db.EnqueueIngest(context.Background(), job())
	assert.ErrorIs(t, err, core.ErrPipelineActive)
}

func TestWorkerDrainsMultipleDocumentsInOrder(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, []string{strings.Repeat("e", 100)}, nil, emb, cfg)

	second := &models.Document{
		ID:          uuid.NewString(),
		UserID:      fx.doc.UserID,
		FileName:    "more.pdf",
		StoragePath: "users/u1/documents/d2/more.pdf",
		ContentType: "application/pdf",
		Status:      models.StatusPending,
	}
	require.NoError(t, fx.db.CreateDocument(context.Background(), second))
	require.NoError(t, fx.store.Upload(context.Background(), cfg.PdfBucket, second.StoragePath, []byte("%PDF"), "application/pdf"))
	require.NoError(t, fx.db.EnqueueIngest(context.Background(), &models.IngestJob{
		ID:         uuid.NewString(),
		DocumentID: second.ID,
		Stage:      models.StagePrepare,
	}))

	fx.worker.drain(context.Background(), 1)

	assert.Equal(t, models.StatusCompleted, fx.db.document(t, fx.doc.ID).Status)
	assert.Equal(t, models.StatusCompleted, fx.db.document(t, second.ID).Status)
	assert.Equal(t, 0, fx.db.jobCount())
}

// expireLease backdates every held claim past the queue's lease window.
func (f *fakeDB) expireLease() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.StartedAt != nil {
			expired := j.StartedAt.Add(-f.lease - time.Minute)
			j.StartedAt = &expired
		}
	}
}

func TestWorkerReclaimsJobAfterLeaseExpiry(t *testing.T) {
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, []string{strings.Repeat("f", 600)}, nil, emb, cfg)

	// A worker claims the job and dies before running it.
	claimed, err := fx.db.ClaimIngestJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// While the lease holds, a restarted worker sees nothing to do and a
	// duplicate trigger is still refused.
	fx.worker.drain(context.Background(), 1)
	assert.Equal(t, models.StatusPending, fx.db.document(t, fx.doc.ID).Status)
	assert.Equal(t, 0, emb.callCount())
	assert.Equal(t, 1, fx.db.jobCount())
	assert.ErrorIs(t, fx.db.EnqueueIngest(context.Background(), &models.IngestJob{
		ID:         uuid.NewString(),
		DocumentID: fx.doc.ID,
		Stage:      models.StagePrepare,
	}), core.ErrPipelineActive)

	// Once the lease ages out the job becomes claimable again and the
	// document finishes.
	fx.db.expireLease()
	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 0, fx.db.jobCount())
}

func TestPipelineFailureWhenStatusWriteRefused(t *testing.T) {
	// When even the failed write is refused, the diagnostic is lost and the
	// document stays in processing; the job must still leave the queue so
	// the pipeline does not spin on it.
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks", ChunkSize: 500, ChunkOverlap: 50, BatchSize: 50}
	emb := &fakeEmbedder{dim: 8}
	fx := newPipelineFixture(t, nil, fmt.Errorf("pdf is encrypted"), emb, cfg)
	fx.db.failTerminalStatus = true

	fx.worker.drain(context.Background(), 1)

	doc := fx.db.document(t, fx.doc.ID)
	assert.Equal(t, models.StatusProcessing, doc.Status)
	assert.Empty(t, doc.StatusMessage)
	assert.Equal(t, 0, fx.db.jobCount(), "undeliverable failure must still drop the job")
	assert.Equal(t, 0, fx.db.sectionCount())
}

func TestRunRejectsMalformedJob(t *testing.T) {
	db := newFakeDB()
	store := newFakeStore()
	emb := &fakeEmbedder{dim: 8}
	cfg := Config{PdfBucket: "pdfs", ChunkBucket: "chunks"}
	pipeline := NewPipeline(db, store, emb, &fakeExtractor{}, cfg, discardLogger())

	doc := &models.Document{ID: "doc-x", UserID: "u1", StoragePath: "p", Status: models.StatusProcessing}
	require.NoError(t, db.CreateDocument(context.Background(), doc))

	err := pipeline.Run(context.Background(), &models.IngestJob{
		ID:         "job-x",
		DocumentID: "doc-x",
		Stage:      models.StageBatch, // missing chunk path
	})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, db.document(t, "doc-x").Status)
}
