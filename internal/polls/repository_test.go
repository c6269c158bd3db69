package polls

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/database"
	"github.com/livepoll/backend/pkg/utils"
)

// setupTestDB connects to TEST_DATABASE_URL and applies migrations; the test is skipped without it.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, 10, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func insertTestUser(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (email, password_hash, full_name) VALUES ($1, 'x', 'Test') RETURNING id`,
		uuid.NewString()+"@example.com").Scan(&id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func TestRepositoryVoteConstraints(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewRepository(pool)
	svc := NewService(repo, nil, "salt", nil)
	ctx := context.Background()
	creator := insertTestUser(t, pool)

	end := time.Now().Add(time.Hour)
	p, err := svc.CreatePoll(ctx, Actor{UserID: creator, Role: models.RoleUser}, CreatePollInput{
		Title: "integration", Options: []string{"A", "B"}, EndDate: &end,
	})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	t.Cleanup(func() { _ = repo.DeletePoll(context.Background(), p.ID) })

	voterID := insertTestUser(t, pool)
	voter := models.VoterIdentity{UserID: &voterID, IP: utils.HashIP("203.0.113.7", "salt")}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Vote(ctx, p.ID, p.Options[i%2].OptionID, voter)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrDuplicateVote):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful votes = %d, want 1", ok)
	}

	if _, err := svc.Vote(ctx, p.ID, uuid.New(), models.VoterIdentity{IP: "anon"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown option: got %v", err)
	}

	if err := repo.Deactivate(ctx, p.ID, time.Now()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	late := &models.Vote{PollID: p.ID, OptionID: p.Options[0].OptionID, VoterIP: "late"}
	if err := repo.InsertVote(ctx, late); !errors.Is(ClassifyStorageError(err), ErrExpired) {
		t.Fatalf("insert into closed poll: got %v, want ErrExpired", err)
	}

	counts, err := repo.CountVotes(ctx, p.ID)
	if err != nil {
		t.Fatalf("CountVotes: %v", err)
	}
	if total := counts[p.Options[0].OptionID] + counts[p.Options[1].OptionID]; total != 1 {
		t.Fatalf("total votes = %d, want 1", total)
	}
}

func TestRepositoryDeletingVoterRemovesVote(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewRepository(pool)
	svc := NewService(repo, nil, "salt", nil)
	ctx := context.Background()
	creator := insertTestUser(t, pool)

	p, err := svc.CreatePoll(ctx, Actor{UserID: creator, Role: models.RoleUser}, CreatePollInput{
		Title: "voter removal", Options: []string{"A", "B"},
	})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	t.Cleanup(func() { _ = repo.DeletePoll(context.Background(), p.ID) })

	voterID := insertTestUser(t, pool)
	if _, err := svc.Vote(ctx, p.ID, p.Options[0].OptionID, models.VoterIdentity{UserID: &voterID}); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, voterID); err != nil {
		t.Fatalf("delete voter: %v", err)
	}
	counts, err := repo.CountVotes(ctx, p.ID)
	if err != nil {
		t.Fatalf("CountVotes: %v", err)
	}
	if n := counts[p.Options[0].OptionID]; n != 0 {
		t.Fatalf("votes after voter deletion = %d, want 0", n)
	}
}
