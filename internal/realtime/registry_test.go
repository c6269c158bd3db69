package realtime

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	poll := uuid.New()

	if !r.AddSubscription(poll, "c1") {
		t.Fatal("first subscriber not reported as first")
	}
	if r.AddSubscription(poll, "c1") {
		t.Fatal("re-adding reported as first")
	}
	if r.AddSubscription(poll, "c2") {
		t.Fatal("second subscriber reported as first")
	}
	if got := sorted(r.ConnectionIDs(poll)); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("ConnectionIDs = %v", got)
	}
}

func TestRegistryAddThenRemoveRestoresState(t *testing.T) {
	r := NewRegistry()
	poll := uuid.New()

	r.AddSubscription(poll, "c1")
	if !r.RemoveSubscription(poll, "c1") {
		t.Fatal("removing the only subscriber not reported as last")
	}
	if n := r.Count(poll); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
	if n := r.Polls(); n != 0 {
		t.Fatalf("Polls = %d, want 0", n)
	}
	if got := r.PollsOf("c1"); len(got) != 0 {
		t.Fatalf("PollsOf = %v, want none", got)
	}
	if r.RemoveSubscription(poll, "c1") {
		t.Fatal("removing an absent pair reported as last")
	}
	if got := r.ConnectionIDs(uuid.New()); len(got) != 0 {
		t.Fatalf("unknown poll has subscribers: %v", got)
	}
}

func TestRegistryClearConnection(t *testing.T) {
	r := NewRegistry()
	p1, p2 := uuid.New(), uuid.New()

	r.AddSubscription(p1, "c1")
	r.AddSubscription(p2, "c1")
	r.AddSubscription(p2, "c2")

	emptied := r.ClearConnection("c1")
	if len(emptied) != 1 || emptied[0] != p1 {
		t.Fatalf("emptied = %v, want [%s]", emptied, p1)
	}
	for _, id := range r.ConnectionIDs(p1) {
		if id == "c1" {
			t.Fatal("c1 still subscribed to p1")
		}
	}
	if got := r.ConnectionIDs(p2); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("p2 subscribers = %v, want [c2]", got)
	}
	if got := r.ClearConnection("c1"); len(got) != 0 {
		t.Fatalf("second clear emptied %v", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	polls := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			for _, p := range polls {
				r.AddSubscription(p, conn)
				_ = r.ConnectionIDs(p)
			}
			if i%2 == 0 {
				r.ClearConnection(conn)
			}
		}(i)
	}
	wg.Wait()

	for _, p := range polls {
		if n := r.Count(p); n != 25 {
			t.Errorf("poll %s has %d subscribers, want 25", p, n)
		}
	}
}
