package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

const (
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 64
	notifyTTL    = 5 * time.Second
)

// Server events.
const (
	EventVoteUpdate   = "vote_update"
	EventPollClosed   = "poll_closed"
	EventCommentAdded = "comment_added"
	EventError        = "error"
)

var errNoLoader = errors.New("realtime: no tally loader configured")

// TallyLoader returns the current aggregate for a poll.
type TallyLoader func(ctx context.Context, pollID uuid.UUID) (*models.PollResult, error)

// RedisPublisher publishes poll events to every instance.
type RedisPublisher interface {
	PublishPollEvent(ctx context.Context, pollID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to a poll's event channel and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribePoll(pollID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// PollClosedPayload is the body of a poll_closed event.
type PollClosedPayload struct {
	PollID uuid.UUID          `json:"poll_id"`
	Result *models.PollResult `json:"result,omitempty"`
}

// Hub owns live connections and fans poll events out to their subscribers. With Redis configured,
// events are published once and delivered by each instance's channel subscription; without it they
// are delivered to local subscribers only.
type Hub struct {
	registry *Registry
	clients  map[string]*Client
	subs     map[uuid.UUID]func()
	opening  map[uuid.UUID]bool
	mu       sync.RWMutex
	loader   TallyLoader
	redis    RedisPublisher
	redisSub RedisSubscriber
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewHub creates a hub. redisPub and redisSub may be nil.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry: NewRegistry(),
		clients:  make(map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		opening:  make(map[uuid.UUID]bool),
		redis:    redisPub,
		redisSub: redisSub,
		logger:   logger,
	}
}

// SetTallyLoader sets how the hub reads a poll aggregate for vote_update events and join snapshots.
func (h *Hub) SetTallyLoader(fn TallyLoader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loader = fn
}

func (h *Hub) tallyLoader() TallyLoader {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loader
}

// Register adds a connection to the hub. It is not subscribed to any poll yet.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID))
}

// Unregister removes a connection and all of its subscriptions, and closes its send buffer.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	for _, pollID := range h.registry.ClearConnection(c.ID) {
		h.dropRedisSubLocked(pollID)
	}
	close(c.send)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID))
}

// Join subscribes a connection to a poll. The poll's Redis channel is opened when this instance has
// a subscriber but no channel yet, so a failed subscribe is retried by the next join. The subscribe
// runs outside the hub lock.
func (h *Hub) Join(c *Client, pollID uuid.UUID) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	h.registry.AddSubscription(pollID, c.ID)
	_, open := h.subs[pollID]
	if h.redisSub == nil || open || h.opening[pollID] {
		h.mu.Unlock()
		return
	}
	h.opening[pollID] = true
	h.mu.Unlock()

	cancel, err := h.redisSub.SubscribePoll(pollID, func(event string, payload []byte) {
		h.BroadcastToPoll(pollID, event, json.RawMessage(payload))
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.opening, pollID)
	if err != nil {
		h.logger.Warn("redis subscribe failed, delivering locally", zap.String("poll_id", pollID.String()), zap.Error(err))
		return
	}
	if h.registry.Count(pollID) == 0 {
		cancel()
		return
	}
	h.subs[pollID] = cancel
}

// Leave unsubscribes a connection from a poll.
func (h *Hub) Leave(c *Client, pollID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registry.RemoveSubscription(pollID, c.ID) {
		h.dropRedisSubLocked(pollID)
	}
}

func (h *Hub) dropRedisSubLocked(pollID uuid.UUID) {
	if cancel, ok := h.subs[pollID]; ok {
		cancel()
		delete(h.subs, pollID)
	}
}

// NotifyVote loads the poll's fresh aggregate and pushes a vote_update to its subscribers.
// It returns immediately; failures are logged.
func (h *Hub) NotifyVote(pollID uuid.UUID) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTTL)
		defer cancel()
		res, err := h.load(ctx, pollID)
		if err != nil {
			h.logger.Warn("vote update skipped", zap.String("poll_id", pollID.String()), zap.Error(err))
			return
		}
		h.PublishToPoll(ctx, pollID, EventVoteUpdate, res)
	}()
}

// NotifyPollClosed pushes a poll_closed event, with the final aggregate when the poll still exists.
func (h *Hub) NotifyPollClosed(pollID uuid.UUID) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTTL)
		defer cancel()
		payload := PollClosedPayload{PollID: pollID}
		if res, err := h.load(ctx, pollID); err == nil {
			payload.Result = res
		}
		h.PublishToPoll(ctx, pollID, EventPollClosed, payload)
	}()
}

func (h *Hub) load(ctx context.Context, pollID uuid.UUID) (*models.PollResult, error) {
	loader := h.tallyLoader()
	if loader == nil {
		return nil, errNoLoader
	}
	return loader(ctx, pollID)
}

// PublishToPoll delivers an event to every subscriber of the poll on every instance. With Redis the
// local delivery happens through this instance's own subscription, so subscribers see it once. A
// failed publish, or a poll whose channel this instance could not open, falls back to local delivery.
func (h *Hub) PublishToPoll(ctx context.Context, pollID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal poll event", zap.String("event", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishPollEvent(ctx, pollID, event, data)
		if err == nil {
			if h.hasChannel(pollID) {
				return
			}
		} else {
			h.logger.Warn("redis publish failed, delivering locally", zap.String("poll_id", pollID.String()), zap.Error(err))
		}
	}
	h.BroadcastToPoll(pollID, event, json.RawMessage(data))
}

// hasChannel reports whether this instance receives the poll's Redis channel.
func (h *Hub) hasChannel(pollID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[pollID]
	return ok
}

// BroadcastToPoll sends an event to this instance's subscribers of the poll. A subscriber whose
// buffer is full misses the event; the others are unaffected. No subscribers is a no-op.
func (h *Hub) BroadcastToPoll(pollID uuid.UUID, event string, payload interface{}) {
	msg, err := newMessage(event, payload)
	if err != nil {
		h.logger.Error("marshal poll event", zap.String("event", event), zap.Error(err))
		return
	}
	ids := h.registry.ConnectionIDs(pollID)
	if len(ids) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range ids {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if !c.trySend(msg) {
			h.logger.Debug("client buffer full, event dropped", zap.String("client_id", id), zap.String("event", event))
		}
	}
}

// SendToClient sends an event to a single connection.
func (h *Hub) SendToClient(c *Client, event string, payload interface{}) {
	msg, err := newMessage(event, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.ID]; ok {
		c.trySend(msg)
	}
}

// WatcherCount returns the number of local connections subscribed to a poll.
func (h *Hub) WatcherCount(pollID uuid.UUID) int {
	return h.registry.Count(pollID)
}

// ConnectionCount returns the number of live local connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown cancels Redis subscriptions and waits for in-flight notifications.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for pollID := range h.subs {
		h.dropRedisSubLocked(pollID)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func newMessage(event string, payload interface{}) (WSMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return WSMessage{}, err
		}
		data = b
	}
	return WSMessage{Event: event, Data: data}, nil
}
