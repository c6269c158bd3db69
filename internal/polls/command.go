package polls

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/utils"
)

const (
	maxTitleLen   = 200
	maxOptionLen  = 200
	minOptions    = 2
	maxOptions    = 20
	sideEffectTTL = 5 * time.Second
)

// CreatePollInput is the validated shape of a new poll.
type CreatePollInput struct {
	Title     string
	Options   []string
	StartDate *time.Time
	EndDate   *time.Time
}

func (s *Service) validateCreate(in CreatePollInput, now time.Time) (*models.Poll, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return nil, ValidationError("title must be 1-%d characters", maxTitleLen)
	}
	if len(in.Options) < minOptions || len(in.Options) > maxOptions {
		return nil, ValidationError("a poll needs %d-%d options", minOptions, maxOptions)
	}
	seen := make(map[string]struct{}, len(in.Options))
	options := make([]models.Option, 0, len(in.Options))
	for i, raw := range in.Options {
		text := strings.TrimSpace(raw)
		if text == "" || utf8.RuneCountInString(text) > maxOptionLen {
			return nil, ValidationError("option %d must be 1-%d characters", i+1, maxOptionLen)
		}
		key := strings.ToLower(text)
		if _, dup := seen[key]; dup {
			return nil, ValidationError("duplicate option %q", text)
		}
		seen[key] = struct{}{}
		options = append(options, models.Option{Text: text, Position: i})
	}

	start := now
	if in.StartDate != nil {
		start = in.StartDate.UTC()
	}
	var end *time.Time
	if in.EndDate != nil {
		e := in.EndDate.UTC()
		if !e.After(start) {
			return nil, ValidationError("end date must be after start date")
		}
		if !e.After(now) {
			return nil, ValidationError("end date must be in the future")
		}
		end = &e
	}

	return &models.Poll{
		Title:     title,
		StartDate: start,
		EndDate:   end,
		IsActive:  true,
		Options:   options,
	}, nil
}

// CreatePoll validates and stores a new poll with its options.
func (s *Service) CreatePoll(ctx context.Context, actor Actor, in CreatePollInput) (*models.PollResult, error) {
	p, err := s.validateCreate(in, s.now().UTC())
	if err != nil {
		return nil, err
	}
	p.ID = uuid.New()
	p.CreatedBy = actor.UserID
	p.ShareSlug = utils.ShareSlug(p.ID.String(), s.slugSalt)

	if err := s.store.CreatePoll(ctx, p); err != nil {
		return nil, s.fail("create poll", p.ID, err)
	}
	s.logger.Info("poll created", zap.String("poll_id", p.ID.String()), zap.String("created_by", actor.UserID.String()), zap.Int("options", len(p.Options)))
	return models.NewPollResult(p, nil), nil
}

// Vote records voter's choice of optionID on pollID.
//
// The unique index on (poll, voter) is the only duplicate check: a second vote surfaces as
// ErrDuplicateVote from the insert, including when two requests race. On success the cached
// aggregate is dropped and the notifier is signalled; neither can fail the vote.
func (s *Service) Vote(ctx context.Context, pollID, optionID uuid.UUID, voter models.VoterIdentity) (*models.Vote, error) {
	if pollID == uuid.Nil || optionID == uuid.Nil {
		return nil, ValidationError("poll id and option id are required")
	}
	if voter.UserID == nil && voter.IP == "" {
		return nil, ValidationError("voter identity is required")
	}

	p, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, s.fail("vote", pollID, err)
	}
	if p.Option(optionID) == nil {
		return nil, ErrNotFound
	}
	if !p.OpenAt(s.now()) {
		return nil, ErrExpired
	}

	v := &models.Vote{PollID: pollID, OptionID: optionID, UserID: voter.UserID, VoterIP: voter.IP}
	if err := s.store.InsertVote(ctx, v); err != nil {
		return nil, s.fail("vote", pollID, err)
	}

	// The vote is durable; side effects must survive the request being cancelled.
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTTL)
	defer cancel()
	s.invalidate(sideCtx, pollID)
	if s.notifier != nil {
		s.notifier.NotifyVote(pollID)
	}
	return v, nil
}

// ClosePoll deactivates a poll before its end date. Only the creator or an admin may close it.
func (s *Service) ClosePoll(ctx context.Context, actor Actor, pollID uuid.UUID) (*models.PollResult, error) {
	res, err := s.LoadResult(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(res) {
		return nil, ErrForbidden
	}
	if err := s.store.Deactivate(ctx, pollID, s.now().UTC()); err != nil {
		return nil, s.fail("close poll", pollID, err)
	}
	s.afterClose(ctx, pollID)
	s.logger.Info("poll closed", zap.String("poll_id", pollID.String()), zap.String("by", actor.UserID.String()))
	return s.LoadResult(ctx, pollID)
}

// DeletePoll removes a poll and all its votes and comments.
func (s *Service) DeletePoll(ctx context.Context, actor Actor, pollID uuid.UUID) error {
	res, err := s.LoadResult(ctx, pollID)
	if err != nil {
		return err
	}
	if !actor.CanManage(res) {
		return ErrForbidden
	}
	if err := s.store.DeletePoll(ctx, pollID); err != nil {
		return s.fail("delete poll", pollID, err)
	}
	s.afterClose(ctx, pollID)
	s.logger.Info("poll deleted", zap.String("poll_id", pollID.String()), zap.String("by", actor.UserID.String()))
	return nil
}

// ExpireDue deactivates every poll whose end date has passed and returns their ids.
func (s *Service) ExpireDue(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := s.store.DeactivateExpired(ctx, s.now().UTC())
	if err != nil {
		return nil, s.fail("expire polls", uuid.Nil, err)
	}
	for _, id := range ids {
		s.afterClose(ctx, id)
	}
	return ids, nil
}

func (s *Service) afterClose(ctx context.Context, pollID uuid.UUID) {
	s.invalidate(ctx, pollID)
	if s.notifier != nil {
		s.notifier.NotifyPollClosed(pollID)
	}
}
