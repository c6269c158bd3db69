package models

import (
	"time"

	"github.com/google/uuid"
)

// Poll is a question with a fixed set of options open for voting during a time window.
// Only IsActive, EndDate and UpdatedAt change after creation.
type Poll struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	CreatedBy uuid.UUID  `json:"created_by"`
	ShareSlug string     `json:"share_slug"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Options   []Option   `json:"options"`
}

// Option is one choice of a poll, ordered by Position.
type Option struct {
	ID       uuid.UUID `json:"id"`
	PollID   uuid.UUID `json:"poll_id"`
	Text     string    `json:"text"`
	Position int       `json:"position"`
}

// OpenAt reports whether the poll accepts votes at t.
func (p *Poll) OpenAt(t time.Time) bool {
	if !p.IsActive {
		return false
	}
	if t.Before(p.StartDate) {
		return false
	}
	if p.EndDate != nil && !t.Before(*p.EndDate) {
		return false
	}
	return true
}

// Option returns the option with the given id, or nil when it is not part of this poll.
func (p *Poll) Option(id uuid.UUID) *Option {
	for i := range p.Options {
		if p.Options[i].ID == id {
			return &p.Options[i]
		}
	}
	return nil
}

// OptionTally is one option with its vote count.
type OptionTally struct {
	OptionID   uuid.UUID `json:"option_id"`
	Text       string    `json:"text"`
	Position   int       `json:"position"`
	Votes      int64     `json:"votes"`
	Percentage float64   `json:"percentage"`
}

// PollResult is a poll with per-option vote counts. It is the cached and broadcast view.
type PollResult struct {
	ID         uuid.UUID     `json:"id"`
	Title      string        `json:"title"`
	CreatedBy  uuid.UUID     `json:"created_by"`
	ShareSlug  string        `json:"share_slug"`
	StartDate  time.Time     `json:"start_date"`
	EndDate    *time.Time    `json:"end_date,omitempty"`
	IsActive   bool          `json:"is_active"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Options    []OptionTally `json:"options"`
	TotalVotes int64         `json:"total_votes"`
}

// NewPollResult combines a poll and its per-option counts. Options missing from counts have zero votes.
func NewPollResult(p *Poll, counts map[uuid.UUID]int64) *PollResult {
	res := &PollResult{
		ID:        p.ID,
		Title:     p.Title,
		CreatedBy: p.CreatedBy,
		ShareSlug: p.ShareSlug,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		IsActive:  p.IsActive,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Options:   make([]OptionTally, 0, len(p.Options)),
	}
	for _, o := range p.Options {
		n := counts[o.ID]
		res.TotalVotes += n
		res.Options = append(res.Options, OptionTally{OptionID: o.ID, Text: o.Text, Position: o.Position, Votes: n})
	}
	if res.TotalVotes > 0 {
		for i := range res.Options {
			res.Options[i].Percentage = float64(res.Options[i].Votes) * 100 / float64(res.TotalVotes)
		}
	}
	res.UTC()
	return res
}

// UTC puts every timestamp of r in UTC so cached and freshly loaded aggregates render alike.
func (r *PollResult) UTC() {
	r.StartDate = r.StartDate.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.EndDate != nil {
		end := r.EndDate.UTC()
		r.EndDate = &end
	}
}

// VoterIdentity identifies a voter: a user id for signed-in voters, otherwise a hashed client IP.
type VoterIdentity struct {
	UserID *uuid.UUID `json:"user_id,omitempty"`
	IP     string     `json:"-"`
}

// Anonymous reports whether the identity has no user id.
func (v VoterIdentity) Anonymous() bool { return v.UserID == nil }

// Vote is a single voter's choice of one option on one poll. Created once, never mutated.
type Vote struct {
	ID        uuid.UUID  `json:"id"`
	PollID    uuid.UUID  `json:"poll_id"`
	OptionID  uuid.UUID  `json:"option_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	VoterIP   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}
