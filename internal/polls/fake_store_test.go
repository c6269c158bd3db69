package polls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/livepoll/backend/internal/models"
)

// memStore is an in-memory Store. Like the database it enforces one vote per voter per poll
// at insert time and reports a second vote as a unique violation.
type memStore struct {
	mu      sync.Mutex
	polls   map[uuid.UUID]*models.Poll
	votes   []models.Vote
	now     func() time.Time
	failGet error
	gets    int
}

func newMemStore() *memStore {
	return &memStore{polls: make(map[uuid.UUID]*models.Poll), now: time.Now}
}

func clonePoll(p *models.Poll) *models.Poll {
	cp := *p
	cp.Options = append([]models.Option(nil), p.Options...)
	return &cp
}

func (s *memStore) CreatePoll(_ context.Context, p *models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	for i := range p.Options {
		p.Options[i].ID = uuid.New()
		p.Options[i].PollID = p.ID
	}
	s.polls[p.ID] = clonePoll(p)
	return nil
}

func (s *memStore) GetPoll(_ context.Context, id uuid.UUID) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGet != nil {
		return nil, s.failGet
	}
	p, ok := s.polls[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return clonePoll(p), nil
}

func (s *memStore) GetPollBySlug(ctx context.Context, slug string) (*models.Poll, error) {
	s.mu.Lock()
	var id uuid.UUID
	for _, p := range s.polls {
		if p.ShareSlug == slug {
			id = p.ID
		}
	}
	s.mu.Unlock()
	if id == uuid.Nil {
		return nil, pgx.ErrNoRows
	}
	return s.GetPoll(ctx, id)
}

func (s *memStore) list(keep func(*models.Poll) bool, limit, offset int) []models.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Poll
	for _, p := range s.polls {
		if keep(p) {
			cp := *p
			cp.Options = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.Poll{}
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memStore) ListActive(_ context.Context, limit, offset int) ([]models.Poll, error) {
	return s.list(func(p *models.Poll) bool { return p.IsActive }, limit, offset), nil
}

func (s *memStore) ListByCreator(_ context.Context, creator uuid.UUID, limit, offset int) ([]models.Poll, error) {
	return s.list(func(p *models.Poll) bool { return p.CreatedBy == creator }, limit, offset), nil
}

func (s *memStore) CountVotes(_ context.Context, pollID uuid.UUID) (map[uuid.UUID]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]int64)
	for _, v := range s.votes {
		if v.PollID == pollID {
			counts[v.OptionID]++
		}
	}
	return counts, nil
}

func sameVoter(v models.Vote, voter models.VoterIdentity) bool {
	if voter.UserID != nil {
		return v.UserID != nil && *v.UserID == *voter.UserID
	}
	return v.UserID == nil && v.VoterIP == voter.IP
}

func (s *memStore) InsertVote(_ context.Context, v *models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[v.PollID]
	if !ok || !p.OpenAt(s.now()) {
		return ErrExpired
	}
	voter := models.VoterIdentity{UserID: v.UserID, IP: v.VoterIP}
	for _, existing := range s.votes {
		if existing.PollID == v.PollID && sameVoter(existing, voter) {
			constraint := "uq_votes_poll_ip"
			if v.UserID != nil {
				constraint = "uq_votes_poll_user"
			}
			return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value"}
		}
	}
	v.ID = uuid.New()
	v.CreatedAt = s.now()
	s.votes = append(s.votes, *v)
	return nil
}

func (s *memStore) FindVote(_ context.Context, pollID uuid.UUID, voter models.VoterIdentity) (*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if v.PollID == pollID && sameVoter(v, voter) {
			cp := v
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *memStore) Deactivate(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = false
	if p.EndDate == nil || p.EndDate.After(at) {
		end := at
		p.EndDate = &end
	}
	return nil
}

func (s *memStore) DeactivateExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, p := range s.polls {
		if p.IsActive && p.EndDate != nil && !p.EndDate.After(now) {
			p.IsActive = false
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (s *memStore) DeletePoll(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[id]; !ok {
		return ErrNotFound
	}
	delete(s.polls, id)
	kept := s.votes[:0]
	for _, v := range s.votes {
		if v.PollID != id {
			kept = append(kept, v)
		}
	}
	s.votes = kept
	return nil
}

func (s *memStore) voteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.votes)
}

func (s *memStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	votes  []uuid.UUID
	closed []uuid.UUID
}

func (n *recordingNotifier) NotifyVote(pollID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.votes = append(n.votes, pollID)
}

func (n *recordingNotifier) NotifyPollClosed(pollID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, pollID)
}

func (n *recordingNotifier) voteCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.votes)
}

func (n *recordingNotifier) closedIDs() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uuid.UUID(nil), n.closed...)
}
