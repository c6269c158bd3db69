package polls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles poll persistence in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a polls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const pollColumns = `id, title, created_by, share_slug, start_date, end_date, is_active, created_at, updated_at`

func scanPoll(row pgx.Row, p *models.Poll) error {
	return row.Scan(&p.ID, &p.Title, &p.CreatedBy, &p.ShareSlug, &p.StartDate, &p.EndDate, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
}

// CreatePoll inserts the poll and its options in one transaction.
func (r *Repository) CreatePoll(ctx context.Context, p *models.Poll) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertPoll = `INSERT INTO polls (id, title, created_by, share_slug, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING is_active, created_at, updated_at`
	if err := tx.QueryRow(ctx, insertPoll, p.ID, p.Title, p.CreatedBy, p.ShareSlug, p.StartDate, p.EndDate).
		Scan(&p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i := range p.Options {
		o := &p.Options[i]
		o.PollID = p.ID
		batch.Queue(`INSERT INTO poll_options (poll_id, text, position) VALUES ($1, $2, $3) RETURNING id`,
			p.ID, o.Text, o.Position).QueryRow(func(row pgx.Row) error {
			return row.Scan(&o.ID)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetPoll returns a poll by ID with its options.
func (r *Repository) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	var p models.Poll
	if err := scanPoll(r.pool.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = $1`, id), &p); err != nil {
		return nil, err
	}
	if err := r.loadOptions(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPollBySlug returns a poll by share slug with its options.
func (r *Repository) GetPollBySlug(ctx context.Context, slug string) (*models.Poll, error) {
	var p models.Poll
	if err := scanPoll(r.pool.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE share_slug = $1`, slug), &p); err != nil {
		return nil, err
	}
	if err := r.loadOptions(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) loadOptions(ctx context.Context, p *models.Poll) error {
	rows, err := r.pool.Query(ctx,
		`SELECT id, poll_id, text, position FROM poll_options WHERE poll_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	p.Options = p.Options[:0]
	for rows.Next() {
		var o models.Option
		if err := rows.Scan(&o.ID, &o.PollID, &o.Text, &o.Position); err != nil {
			return err
		}
		p.Options = append(p.Options, o)
	}
	return rows.Err()
}

// ListActive returns active polls, newest first.
func (r *Repository) ListActive(ctx context.Context, limit, offset int) ([]models.Poll, error) {
	return r.list(ctx, `SELECT `+pollColumns+` FROM polls WHERE is_active ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
}

// ListByCreator returns polls created by a user, newest first.
func (r *Repository) ListByCreator(ctx context.Context, creator uuid.UUID, limit, offset int) ([]models.Poll, error) {
	return r.list(ctx, `SELECT `+pollColumns+` FROM polls WHERE created_by = $3 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset, creator)
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]models.Poll, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Poll{}
	for rows.Next() {
		var p models.Poll
		if err := scanPoll(rows, &p); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// CountVotes returns committed vote counts per option.
func (r *Repository) CountVotes(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT option_id, COUNT(*) FROM votes WHERE poll_id = $1 GROUP BY option_id`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var optionID uuid.UUID
		var n int64
		if err := rows.Scan(&optionID, &n); err != nil {
			return nil, err
		}
		counts[optionID] = n
	}
	return counts, rows.Err()
}

// InsertVote inserts a vote guarded by the poll's open window. The partial unique indexes on
// (poll_id, user_id) and (poll_id, voter_ip) reject a second vote from the same voter.
func (r *Repository) InsertVote(ctx context.Context, v *models.Vote) error {
	const query = `INSERT INTO votes (poll_id, option_id, user_id, voter_ip)
		SELECT $1::uuid, $2::uuid, $3::uuid, $4::text
		WHERE EXISTS (
			SELECT 1 FROM polls
			WHERE id = $1 AND is_active AND start_date <= NOW() AND (end_date IS NULL OR end_date > NOW())
		)
		RETURNING id, created_at`
	var ip *string
	if v.UserID == nil {
		ip = &v.VoterIP
	}
	err := r.pool.QueryRow(ctx, query, v.PollID, v.OptionID, v.UserID, ip).Scan(&v.ID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrExpired
	}
	return err
}

// FindVote returns the vote cast by voter on a poll.
func (r *Repository) FindVote(ctx context.Context, pollID uuid.UUID, voter models.VoterIdentity) (*models.Vote, error) {
	var (
		row pgx.Row
		v   models.Vote
	)
	if voter.UserID != nil {
		row = r.pool.QueryRow(ctx, `SELECT id, poll_id, option_id, user_id, COALESCE(voter_ip, ''), created_at
			FROM votes WHERE poll_id = $1 AND user_id = $2`, pollID, *voter.UserID)
	} else {
		row = r.pool.QueryRow(ctx, `SELECT id, poll_id, option_id, user_id, COALESCE(voter_ip, ''), created_at
			FROM votes WHERE poll_id = $1 AND user_id IS NULL AND voter_ip = $2`, pollID, voter.IP)
	}
	if err := row.Scan(&v.ID, &v.PollID, &v.OptionID, &v.UserID, &v.VoterIP, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

// Deactivate closes a poll.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `UPDATE polls
		SET is_active = FALSE,
		    end_date = CASE WHEN end_date IS NULL OR end_date > $2 THEN GREATEST($2, start_date + INTERVAL '1 microsecond') ELSE end_date END,
		    updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateExpired closes active polls whose end date has passed.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE polls SET is_active = FALSE, updated_at = NOW()
		 WHERE is_active AND end_date IS NOT NULL AND end_date <= $1
		 RETURNING id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeletePoll removes a poll and everything it owns.
func (r *Repository) DeletePoll(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM polls WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
