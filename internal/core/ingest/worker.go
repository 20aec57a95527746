package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/feuille-app/feuille/internal/core"
)

// Worker drains the durable job queue. Each claimed job runs to completion
// before the next claim, and every stage leaves its follow-up step as a new
// queue row, so batches for one document execute strictly in order even
// across restarts. Several workers may run; the one-job-per-document rule
// in the queue keeps any single document on a single worker at a time.
type Worker struct {
	db       core.DbClient
	pipeline *Pipeline
	logger   *slog.Logger
	interval time.Duration
	wake     chan struct{}
}

func NewWorker(db core.DbClient, pipeline *Pipeline, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		db:       db,
		pipeline: pipeline,
		logger:   logger,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the poll loop so a fresh upload starts without waiting a tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start launches n worker goroutines that run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 1; i <= n; i++ {
		go w.run(ctx, i)
	}
}

func (w *Worker) run(ctx context.Context, id int) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx, id)
		select {
		case <-ctx.Done():
			w.logger.Info("ingest worker stopping", slog.Int("worker", id))
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.db.ClaimIngestJob(ctx)
		if err != nil {
			w.logger.Error("claim ingest job", slog.String("error", err.Error()))
			return
		}
		if job == nil {
			return
		}

		w.logger.Info("running ingest job",
			slog.Int("worker", id),
			slog.String("document_id", job.DocumentID),
			slog.String("stage", string(job.Stage)),
			slog.Int("batch", job.BatchIndex))

		if err := w.pipeline.Run(ctx, job); err != nil {
			w.logger.Error("ingest job failed",
				slog.String("document_id", job.DocumentID),
				slog.String("stage", string(job.Stage)),
				slog.String("error", err.Error()))
		}
	}
}
