package polls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
)

type fixture struct {
	store    *memStore
	svc      *Service
	notifier *recordingNotifier
	clock    *time.Time
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{store: newMemStore(), notifier: &recordingNotifier{}, clock: &now}
	f.store.now = func() time.Time { return *f.clock }
	var cache *Cache
	if withCache {
		cache = NewCache(nil, time.Minute, 100, nil)
	}
	f.svc = NewService(f.store, cache, "salt", nil)
	f.svc.now = func() time.Time { return *f.clock }
	f.svc.SetNotifier(f.notifier)
	return f
}

func (f *fixture) createPoll(t *testing.T, options ...string) *models.PollResult {
	t.Helper()
	end := f.clock.Add(time.Hour)
	res, err := f.svc.CreatePoll(context.Background(), Actor{UserID: uuid.New(), Role: models.RoleUser}, CreatePollInput{
		Title:   "Lunch?",
		Options: options,
		EndDate: &end,
	})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	return res
}

func userVoter() models.VoterIdentity {
	id := uuid.New()
	return models.VoterIdentity{UserID: &id, IP: "hashed"}
}

func votesFor(res *models.PollResult) map[string]int64 {
	out := make(map[string]int64, len(res.Options))
	for _, o := range res.Options {
		out[o.Text] = o.Votes
	}
	return out
}

func TestVoteScenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")
	a, b := p.Options[0].OptionID, p.Options[1].OptionID
	u1, u2 := userVoter(), userVoter()

	if _, err := f.svc.Vote(ctx, p.ID, a, u1); err != nil {
		t.Fatalf("u1 vote A: %v", err)
	}
	res, err := f.svc.GetPoll(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPoll: %v", err)
	}
	if got := votesFor(res); got["A"] != 1 || got["B"] != 0 {
		t.Fatalf("after u1: got %v", got)
	}

	if _, err := f.svc.Vote(ctx, p.ID, b, u1); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("u1 second vote: got %v, want ErrDuplicateVote", err)
	}
	res, _ = f.svc.GetPoll(ctx, p.ID)
	if got := votesFor(res); got["A"] != 1 || got["B"] != 0 {
		t.Fatalf("after duplicate: got %v", got)
	}

	if _, err := f.svc.Vote(ctx, p.ID, b, u2); err != nil {
		t.Fatalf("u2 vote B: %v", err)
	}
	res, _ = f.svc.GetPoll(ctx, p.ID)
	if got := votesFor(res); got["A"] != 1 || got["B"] != 1 {
		t.Fatalf("after u2: got %v", got)
	}
	if res.TotalVotes != 2 {
		t.Errorf("TotalVotes = %d, want 2", res.TotalVotes)
	}
	if n := f.notifier.voteCount(); n != 2 {
		t.Errorf("notifications = %d, want 2", n)
	}
}

func TestConcurrentDuplicateVotes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.createPoll(t, "yes", "no")
	voter := userVoter()

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Vote(ctx, p.ID, p.Options[i%2].OptionID, voter)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrDuplicateVote):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if succeeded != 1 || dupes != attempts-1 {
		t.Fatalf("succeeded=%d dupes=%d, want 1 and %d", succeeded, dupes, attempts-1)
	}
	if n := f.store.voteCount(); n != 1 {
		t.Fatalf("stored votes = %d, want 1", n)
	}
}

func TestAnonymousVotersKeyedByAddress(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")

	anon := models.VoterIdentity{IP: "addr-1"}
	if _, err := f.svc.Vote(ctx, p.ID, p.Options[0].OptionID, anon); err != nil {
		t.Fatalf("first anonymous vote: %v", err)
	}
	if _, err := f.svc.Vote(ctx, p.ID, p.Options[1].OptionID, anon); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("same address: got %v, want ErrDuplicateVote", err)
	}
	if _, err := f.svc.Vote(ctx, p.ID, p.Options[1].OptionID, models.VoterIdentity{IP: "addr-2"}); err != nil {
		t.Fatalf("other address: %v", err)
	}
}

func TestVoteNotFound(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")
	other := f.createPoll(t, "C", "D")

	tests := []struct {
		name           string
		poll, optionID uuid.UUID
	}{
		{"missing poll", uuid.New(), p.Options[0].OptionID},
		{"missing option", p.ID, uuid.New()},
		{"option of another poll", p.ID, other.Options[0].OptionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Vote(ctx, tt.poll, tt.optionID, userVoter()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	}
	if n := f.store.voteCount(); n != 0 {
		t.Fatalf("stored votes = %d, want 0", n)
	}
	if n := f.notifier.voteCount(); n != 0 {
		t.Fatalf("notifications = %d, want 0", n)
	}
}

func TestVoteExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("after end date", func(t *testing.T) {
		f := newFixture(t, false)
		p := f.createPoll(t, "A", "B")
		*f.clock = f.clock.Add(2 * time.Hour)
		if _, err := f.svc.Vote(ctx, p.ID, p.Options[0].OptionID, userVoter()); !errors.Is(err, ErrExpired) {
			t.Fatalf("got %v, want ErrExpired", err)
		}
		if n := f.store.voteCount(); n != 0 {
			t.Fatalf("stored votes = %d, want 0", n)
		}
	})

	t.Run("exactly at end date", func(t *testing.T) {
		f := newFixture(t, false)
		p := f.createPoll(t, "A", "B")
		*f.clock = *p.EndDate
		if _, err := f.svc.Vote(ctx, p.ID, p.Options[0].OptionID, userVoter()); !errors.Is(err, ErrExpired) {
			t.Fatalf("got %v, want ErrExpired", err)
		}
	})

	t.Run("closed poll", func(t *testing.T) {
		f := newFixture(t, false)
		p := f.createPoll(t, "A", "B")
		if _, err := f.svc.ClosePoll(ctx, Actor{UserID: p.CreatedBy, Role: models.RoleUser}, p.ID); err != nil {
			t.Fatalf("ClosePoll: %v", err)
		}
		if _, err := f.svc.Vote(ctx, p.ID, p.Options[0].OptionID, userVoter()); !errors.Is(err, ErrExpired) {
			t.Fatalf("got %v, want ErrExpired", err)
		}
		if n := f.store.voteCount(); n != 0 {
			t.Fatalf("stored votes = %d, want 0", n)
		}
	})

	t.Run("before start date", func(t *testing.T) {
		f := newFixture(t, false)
		start := f.clock.Add(time.Hour)
		p, err := f.svc.CreatePoll(ctx, Actor{UserID: uuid.New()}, CreatePollInput{
			Title: "later", Options: []string{"A", "B"}, StartDate: &start,
		})
		if err != nil {
			t.Fatalf("CreatePoll: %v", err)
		}
		if _, err := f.svc.Vote(ctx, p.ID, p.Options[0].OptionID, userVoter()); !errors.Is(err, ErrExpired) {
			t.Fatalf("got %v, want ErrExpired", err)
		}
	})
}

func TestVoteValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")

	if _, err := f.svc.Vote(ctx, uuid.Nil, p.Options[0].OptionID, userVoter()); !errors.Is(err, ErrValidation) {
		t.Errorf("nil poll id: got %v", err)
	}
	if _, err := f.svc.Vote(ctx, p.ID, p.Options[0].OptionID, models.VoterIdentity{}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty voter: got %v", err)
	}
}

func TestVoteStorageFailureIsClassified(t *testing.T) {
	f := newFixture(t, false)
	p := f.createPoll(t, "A", "B")
	f.store.failGet = context.DeadlineExceeded
	_, err := f.svc.Vote(context.Background(), p.ID, p.Options[0].OptionID, userVoter())
	if !errors.Is(err, ErrTransientStorage) {
		t.Fatalf("got %v, want ErrTransientStorage", err)
	}
}

func TestGetPollCacheInvalidatedOnVote(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")

	for i := 0; i < 3; i++ {
		if _, err := f.svc.GetPoll(ctx, p.ID); err != nil {
			t.Fatalf("GetPoll: %v", err)
		}
	}
	if n := f.store.getCount(); n != 1 {
		t.Fatalf("store reads = %d, want 1 (cached)", n)
	}

	if _, err := f.svc.Vote(ctx, p.ID, p.Options[1].OptionID, userVoter()); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	res, err := f.svc.GetPoll(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPoll: %v", err)
	}
	if got := votesFor(res); got["B"] != 1 {
		t.Fatalf("cached aggregate not invalidated: %v", got)
	}
}

func TestGetPollNotFound(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		f := newFixture(t, withCache)
		if _, err := f.svc.GetPoll(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Errorf("cache=%v: got %v, want ErrNotFound", withCache, err)
		}
	}
}

func TestCreatePollValidation(t *testing.T) {
	f := newFixture(t, false)
	now := *f.clock
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	tests := []struct {
		name string
		in   CreatePollInput
	}{
		{"empty title", CreatePollInput{Title: "  ", Options: []string{"a", "b"}}},
		{"one option", CreatePollInput{Title: "t", Options: []string{"a"}}},
		{"blank option", CreatePollInput{Title: "t", Options: []string{"a", " "}}},
		{"duplicate options", CreatePollInput{Title: "t", Options: []string{"Yes", "yes"}}},
		{"end in past", CreatePollInput{Title: "t", Options: []string{"a", "b"}, StartDate: &past, EndDate: &past}},
		{"end before start", CreatePollInput{Title: "t", Options: []string{"a", "b"}, StartDate: &future, EndDate: &future}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreatePoll(context.Background(), Actor{UserID: uuid.New()}, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreatePollOrdersOptionsAndSetsSlug(t *testing.T) {
	f := newFixture(t, false)
	p := f.createPoll(t, " red ", "green", "blue")
	if p.ShareSlug == "" {
		t.Fatal("share slug not set")
	}
	want := []string{"red", "green", "blue"}
	for i, o := range p.Options {
		if o.Text != want[i] || o.Position != i {
			t.Errorf("option %d = %q@%d, want %q@%d", i, o.Text, o.Position, want[i], i)
		}
	}
	got, err := f.svc.GetPollBySlug(context.Background(), p.ShareSlug)
	if err != nil {
		t.Fatalf("GetPollBySlug: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("slug resolved to %s, want %s", got.ID, p.ID)
	}
}

func TestCloseAndDeleteRequireOwner(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")
	stranger := Actor{UserID: uuid.New(), Role: models.RoleUser}
	admin := Actor{UserID: uuid.New(), Role: models.RoleAdmin}

	if _, err := f.svc.ClosePoll(ctx, stranger, p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger close: got %v, want ErrForbidden", err)
	}
	res, err := f.svc.ClosePoll(ctx, admin, p.ID)
	if err != nil {
		t.Fatalf("admin close: %v", err)
	}
	if res.IsActive {
		t.Fatal("poll still active after close")
	}
	if ids := f.notifier.closedIDs(); len(ids) != 1 || ids[0] != p.ID {
		t.Fatalf("closed notifications = %v", ids)
	}

	if err := f.svc.DeletePoll(ctx, stranger, p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger delete: got %v, want ErrForbidden", err)
	}
	if err := f.svc.DeletePoll(ctx, Actor{UserID: p.CreatedBy, Role: models.RoleUser}, p.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := f.svc.GetPoll(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	due := f.createPoll(t, "A", "B")
	open, err := f.svc.CreatePoll(ctx, Actor{UserID: uuid.New()}, CreatePollInput{Title: "open", Options: []string{"x", "y"}})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	if _, err := f.svc.GetPoll(ctx, due.ID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	*f.clock = f.clock.Add(90 * time.Minute)
	ids, err := f.svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if len(ids) != 1 || ids[0] != due.ID {
		t.Fatalf("expired = %v, want [%s]", ids, due.ID)
	}
	res, _ := f.svc.GetPoll(ctx, due.ID)
	if res.IsActive {
		t.Fatal("cached aggregate still active after expiry")
	}
	if res, _ := f.svc.GetPoll(ctx, open.ID); !res.IsActive {
		t.Fatal("poll without end date expired")
	}
}

func TestMyVote(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.createPoll(t, "A", "B")
	voter := userVoter()

	if _, err := f.svc.MyVote(ctx, p.ID, voter); !errors.Is(err, ErrNotFound) {
		t.Fatalf("before voting: got %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Vote(ctx, p.ID, p.Options[1].OptionID, voter); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	v, err := f.svc.MyVote(ctx, p.ID, voter)
	if err != nil {
		t.Fatalf("MyVote: %v", err)
	}
	if v.OptionID != p.Options[1].OptionID {
		t.Fatalf("option = %s, want %s", v.OptionID, p.Options[1].OptionID)
	}
}
