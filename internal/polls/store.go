package polls

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
)

// Store is the persistence boundary for polls, options and votes.
// Implementations return raw driver errors or taxonomy sentinels; the service classifies them.
type Store interface {
	// CreatePoll inserts the poll and its options atomically. p.ID and p.ShareSlug are set by the caller.
	CreatePoll(ctx context.Context, p *models.Poll) error
	// GetPoll returns the poll with its options ordered by position.
	GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	// GetPollBySlug resolves a share slug to a poll with options.
	GetPollBySlug(ctx context.Context, slug string) (*models.Poll, error)
	// ListActive returns active polls, newest first, without options.
	ListActive(ctx context.Context, limit, offset int) ([]models.Poll, error)
	// ListByCreator returns a user's polls, newest first, without options.
	ListByCreator(ctx context.Context, creator uuid.UUID, limit, offset int) ([]models.Poll, error)
	// CountVotes groups committed votes of a poll by option.
	CountVotes(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int64, error)
	// InsertVote records a vote if the poll is still open at the time of the insert.
	// It returns ErrExpired when the poll closed, and the unique violation on a second vote.
	InsertVote(ctx context.Context, v *models.Vote) error
	// FindVote returns the vote cast by voter on a poll.
	FindVote(ctx context.Context, pollID uuid.UUID, voter models.VoterIdentity) (*models.Vote, error)
	// Deactivate closes a poll: is_active=false and end_date=at unless it already ended earlier.
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error
	// DeactivateExpired closes every active poll whose end date is at or before now and returns their ids.
	DeactivateExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// DeletePoll removes a poll; options, votes and comments cascade.
	DeletePoll(ctx context.Context, id uuid.UUID) error
}
