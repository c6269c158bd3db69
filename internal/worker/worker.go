package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/storage"
)

// ExportStore is the export bookkeeping the processor updates.
type ExportStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Export, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, reclaim bool) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, key string) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// ResultLoader reads a poll's committed tally.
type ResultLoader interface {
	LoadResult(ctx context.Context, pollID uuid.UUID) (*models.PollResult, error)
}

// Uploader stores rendered exports.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	ExportsBucket() string
}

// JobQueue is the job source with retry and dead-lettering.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (dead bool, err error)
}

// errPermanent marks failures a retry cannot fix.
var errPermanent = errors.New("permanent export failure")

// ExportProcessor renders poll results and uploads them to S3.
type ExportProcessor struct {
	exports ExportStore
	results ResultLoader
	store   Uploader
	queue   JobQueue
	backoff time.Duration
	logger  *zap.Logger
}

// NewExportProcessor creates a result export processor.
func NewExportProcessor(exports ExportStore, results ResultLoader, store Uploader, q JobQueue, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{exports: exports, results: results, store: store, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeExport {
		return fmt.Errorf("%w: unknown job type %s", errPermanent, job.Type)
	}
	var payload queue.ExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errPermanent, err)
	}

	exp, err := p.exports.GetByID(ctx, payload.ExportID)
	if err != nil {
		if errors.Is(polls.ClassifyStorageError(err), polls.ErrNotFound) {
			return fmt.Errorf("%w: export %s not found", errPermanent, payload.ExportID)
		}
		return fmt.Errorf("load export: %w", err)
	}
	// A retried job may find its own earlier claim if that attempt died before recording the outcome.
	claimed, err := p.exports.MarkProcessing(ctx, exp.ID, job.Attempt > 0)
	if err != nil {
		return fmt.Errorf("claim export: %w", err)
	}
	if !claimed {
		p.logger.Info("export already handled", zap.String("export_id", exp.ID.String()), zap.String("status", string(exp.Status)))
		return nil
	}

	res, err := p.results.LoadResult(ctx, exp.PollID)
	if err != nil {
		if errors.Is(err, polls.ErrNotFound) {
			return p.markFailed(ctx, exp.ID, fmt.Errorf("%w: poll %s no longer exists", errPermanent, exp.PollID))
		}
		return p.markFailed(ctx, exp.ID, fmt.Errorf("load results: %w", err))
	}
	body, err := Render(exp.Format, res)
	if err != nil {
		return p.markFailed(ctx, exp.ID, fmt.Errorf("%w: render: %v", errPermanent, err))
	}

	key := storage.ExportKey(exp.PollID.String(), exp.ID.String(), exp.Format)
	if _, err := p.store.Upload(ctx, p.store.ExportsBucket(), key, storage.ContentTypeForFormat(exp.Format), bytes.NewReader(body), int64(len(body))); err != nil {
		return p.markFailed(ctx, exp.ID, fmt.Errorf("s3 upload: %w", err))
	}
	if err := p.exports.MarkCompleted(ctx, exp.ID, key); err != nil {
		return p.markFailed(ctx, exp.ID, fmt.Errorf("update export: %w", err))
	}
	p.logger.Info("export completed", zap.String("export_id", exp.ID.String()), zap.String("s3_key", key), zap.Int("bytes", len(body)))
	return nil
}

func (p *ExportProcessor) markFailed(ctx context.Context, id uuid.UUID, cause error) error {
	if err := p.exports.MarkFailed(ctx, id, cause.Error()); err != nil {
		p.logger.Error("mark export failed", zap.String("export_id", id.String()), zap.Error(err))
	}
	return cause
}

// handle processes a job and decides whether to retry it.
func (p *ExportProcessor) handle(ctx context.Context, job *queue.Job) {
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
	err := p.Process(ctx, job)
	if err == nil {
		return
	}
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
	if errors.Is(err, errPermanent) {
		return
	}
	dead, reErr := p.queue.Retry(ctx, job)
	if reErr != nil {
		p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
		return
	}
	if !dead {
		p.sleep(ctx, p.backoff)
	}
}

func (p *ExportProcessor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, job)
	}
}
