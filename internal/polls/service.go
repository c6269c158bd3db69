package polls

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

// Notifier receives poll events after they are durable. Implementations must not block.
type Notifier interface {
	NotifyVote(pollID uuid.UUID)
	NotifyPollClosed(pollID uuid.UUID)
}

// Actor is the authenticated caller of a command.
type Actor struct {
	UserID uuid.UUID
	Role   models.Role
}

// CanManage reports whether the actor may close, delete or export the poll.
func (a Actor) CanManage(p *models.PollResult) bool {
	return a.Role == models.RoleAdmin || a.UserID == p.CreatedBy
}

// Service is the poll query and command path: validation, storage, cache-aside reads,
// invalidation and broadcast triggers.
type Service struct {
	store    Store
	cache    *Cache
	notifier Notifier
	slugSalt string
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a poll service. notifier may be nil until SetNotifier is called.
func NewService(store Store, cache *Cache, slugSalt string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		cache:    cache,
		slugSalt: slugSalt,
		now:      time.Now,
		logger:   logger,
	}
}

// SetNotifier sets the broadcast target for vote and close events.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) invalidate(ctx context.Context, pollID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, pollID); err != nil {
		// The local tier is already dropped; remote tiers expire on TTL.
		s.logger.Warn("poll cache invalidation failed", zap.String("poll_id", pollID.String()), zap.Error(err))
	}
}

// fail classifies err and logs the ones callers cannot act on.
func (s *Service) fail(op string, pollID uuid.UUID, err error) error {
	err = ClassifyStorageError(err)
	switch Kind(err) {
	case "unknown":
		s.logger.Error(op+" failed", zap.String("poll_id", pollID.String()), zap.Error(err))
	case "transient_storage_error":
		s.logger.Warn(op+" failed", zap.String("poll_id", pollID.String()), zap.Error(err))
	}
	return err
}
