package exports

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles export records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an exports repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const exportColumns = `id, poll_id, requested_by, format, status, s3_key, error, created_at, completed_at`

func scanExport(row pgx.Row, e *models.Export) error {
	return row.Scan(&e.ID, &e.PollID, &e.RequestedBy, &e.Format, &e.Status, &e.S3Key, &e.Error, &e.CreatedAt, &e.CompletedAt)
}

// Create inserts a pending export.
func (r *Repository) Create(ctx context.Context, e *models.Export) error {
	const query = `INSERT INTO poll_exports (poll_id, requested_by, format, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING ` + exportColumns
	return scanExport(r.pool.QueryRow(ctx, query, e.PollID, e.RequestedBy, e.Format), e)
}

// GetByID returns an export by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Export, error) {
	var e models.Export
	if err := scanExport(r.pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM poll_exports WHERE id = $1`, id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkProcessing moves a pending or failed export to processing. It returns false when the export
// is already processing or completed. With reclaim set a processing export is taken over as well;
// retries use it to recover a claim whose attempt died before recording its outcome.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID, reclaim bool) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE poll_exports SET status = 'processing', error = NULL
		WHERE id = $1 AND (status IN ('pending', 'failed') OR ($2 AND status = 'processing'))`, id, reclaim)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted records the uploaded object key.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, key string) error {
	_, err := r.pool.Exec(ctx, `UPDATE poll_exports SET status = 'completed', s3_key = $2, error = NULL, completed_at = NOW()
		WHERE id = $1`, id, key)
	return err
}

// MarkFailed records a failure message.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE poll_exports SET status = 'failed', error = $2 WHERE id = $1`, id, msg)
	return err
}
