package polls

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// GetPoll returns the poll with per-option vote counts, from cache when possible.
func (s *Service) GetPoll(ctx context.Context, pollID uuid.UUID) (*models.PollResult, error) {
	if pollID == uuid.Nil {
		return nil, ValidationError("poll id is required")
	}
	if s.cache == nil {
		return s.LoadResult(ctx, pollID)
	}
	res, err := s.cache.GetOrLoad(ctx, pollID, func(ctx context.Context) (*models.PollResult, error) {
		return s.LoadResult(ctx, pollID)
	})
	if err != nil {
		// the loader has already classified and logged its own failures
		return nil, ClassifyStorageError(err)
	}
	return res, nil
}

// LoadResult reads the poll and its committed vote counts straight from the store.
func (s *Service) LoadResult(ctx context.Context, pollID uuid.UUID) (*models.PollResult, error) {
	p, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, s.fail("load poll", pollID, err)
	}
	counts, err := s.store.CountVotes(ctx, pollID)
	if err != nil {
		return nil, s.fail("count votes", pollID, err)
	}
	return models.NewPollResult(p, counts), nil
}

// GetPollBySlug resolves a share slug to the poll aggregate.
func (s *Service) GetPollBySlug(ctx context.Context, slug string) (*models.PollResult, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" || len(slug) > 16 {
		return nil, ValidationError("invalid share slug")
	}
	p, err := s.store.GetPollBySlug(ctx, slug)
	if err != nil {
		return nil, s.fail("get poll by slug", uuid.Nil, err)
	}
	return s.GetPoll(ctx, p.ID)
}

// ListActive returns a page of active polls without tallies.
func (s *Service) ListActive(ctx context.Context, limit, offset int) ([]models.Poll, error) {
	limit, offset = page(limit, offset)
	list, err := s.store.ListActive(ctx, limit, offset)
	if err != nil {
		return nil, s.fail("list polls", uuid.Nil, err)
	}
	return list, nil
}

// ListByCreator returns a page of the user's polls without tallies.
func (s *Service) ListByCreator(ctx context.Context, creator uuid.UUID, limit, offset int) ([]models.Poll, error) {
	limit, offset = page(limit, offset)
	list, err := s.store.ListByCreator(ctx, creator, limit, offset)
	if err != nil {
		return nil, s.fail("list user polls", uuid.Nil, err)
	}
	return list, nil
}

// MyVote returns the vote the voter cast on a poll, or ErrNotFound.
func (s *Service) MyVote(ctx context.Context, pollID uuid.UUID, voter models.VoterIdentity) (*models.Vote, error) {
	if voter.UserID == nil && voter.IP == "" {
		return nil, ValidationError("voter identity is required")
	}
	v, err := s.store.FindVote(ctx, pollID, voter)
	if err != nil {
		return nil, s.fail("find vote", pollID, err)
	}
	return v, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
