package comments

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles comment persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a comments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a comment and fills its id, author name and timestamp.
func (r *Repository) Create(ctx context.Context, cm *models.Comment) error {
	const query = `WITH ins AS (
			INSERT INTO comments (poll_id, user_id, content) VALUES ($1, $2, $3)
			RETURNING id, user_id, created_at
		)
		SELECT ins.id, u.full_name, ins.created_at FROM ins JOIN users u ON u.id = ins.user_id`
	return r.pool.QueryRow(ctx, query, cm.PollID, cm.UserID, cm.Content).
		Scan(&cm.ID, &cm.AuthorName, &cm.CreatedAt)
}

// GetByID returns a comment by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Comment, error) {
	const query = `SELECT c.id, c.poll_id, c.user_id, u.full_name, c.content, c.created_at
		FROM comments c JOIN users u ON u.id = c.user_id WHERE c.id = $1`
	var cm models.Comment
	if err := scanComment(r.pool.QueryRow(ctx, query, id), &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

// ListByPoll returns a poll's comments, newest first.
func (r *Repository) ListByPoll(ctx context.Context, pollID uuid.UUID, limit, offset int) ([]models.Comment, error) {
	const query = `SELECT c.id, c.poll_id, c.user_id, u.full_name, c.content, c.created_at
		FROM comments c JOIN users u ON u.id = c.user_id
		WHERE c.poll_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, pollID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.Comment, 0)
	for rows.Next() {
		var cm models.Comment
		if err := scanComment(rows, &cm); err != nil {
			return nil, err
		}
		list = append(list, cm)
	}
	return list, rows.Err()
}

// Delete removes a comment. It returns pgx.ErrNoRows when the comment does not exist.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanComment(row pgx.Row, cm *models.Comment) error {
	return row.Scan(&cm.ID, &cm.PollID, &cm.UserID, &cm.AuthorName, &cm.Content, &cm.CreatedAt)
}
