package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks which connections are subscribed to which polls. It keeps a reverse index
// so a disconnecting connection can be cleared without scanning every poll.
type Registry struct {
	mu     sync.RWMutex
	byPoll map[uuid.UUID]map[string]struct{}
	byConn map[string]map[uuid.UUID]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPoll: make(map[uuid.UUID]map[string]struct{}),
		byConn: make(map[string]map[uuid.UUID]struct{}),
	}
}

// AddSubscription subscribes connID to pollID. Adding an existing pair is a no-op.
// first reports whether connID is now the poll's only subscriber.
func (r *Registry) AddSubscription(pollID uuid.UUID, connID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byPoll[pollID]
	if !ok {
		conns = make(map[string]struct{})
		r.byPoll[pollID] = conns
	}
	if _, dup := conns[connID]; dup {
		return false
	}
	conns[connID] = struct{}{}

	polls, ok := r.byConn[connID]
	if !ok {
		polls = make(map[uuid.UUID]struct{})
		r.byConn[connID] = polls
	}
	polls[pollID] = struct{}{}
	return len(conns) == 1
}

// RemoveSubscription unsubscribes connID from pollID. Removing an absent pair is a no-op.
// last reports whether the poll has no subscribers left because of this call.
func (r *Registry) RemoveSubscription(pollID uuid.UUID, connID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(pollID, connID)
}

// ClearConnection removes connID from every poll it joined and returns the polls that
// were left without subscribers.
func (r *Registry) ClearConnection(connID string) (emptied []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pollID := range r.byConn[connID] {
		if r.remove(pollID, connID) {
			emptied = append(emptied, pollID)
		}
	}
	delete(r.byConn, connID)
	return emptied
}

func (r *Registry) remove(pollID uuid.UUID, connID string) bool {
	conns, ok := r.byPoll[pollID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if polls, ok := r.byConn[connID]; ok {
		delete(polls, pollID)
		if len(polls) == 0 {
			delete(r.byConn, connID)
		}
	}
	if len(conns) == 0 {
		delete(r.byPoll, pollID)
		return true
	}
	return false
}

// ConnectionIDs returns a snapshot of the connections subscribed to pollID, possibly empty.
func (r *Registry) ConnectionIDs(pollID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byPoll[pollID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// PollsOf returns a snapshot of the polls connID is subscribed to.
func (r *Registry) PollsOf(connID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	polls := r.byConn[connID]
	ids := make([]uuid.UUID, 0, len(polls))
	for id := range polls {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connections subscribed to pollID.
func (r *Registry) Count(pollID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPoll[pollID])
}

// Polls returns the number of polls with at least one subscriber.
func (r *Registry) Polls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPoll)
}
