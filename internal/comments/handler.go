package comments

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/pkg/response"
)

const (
	maxContentLen = 1000
	publishTTL    = 5 * time.Second
)

// Store is the comment persistence used by the handler.
type Store interface {
	Create(ctx context.Context, cm *models.Comment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Comment, error)
	ListByPoll(ctx context.Context, pollID uuid.UUID, limit, offset int) ([]models.Comment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Publisher fans an event out to a poll's live subscribers.
type Publisher interface {
	PublishToPoll(ctx context.Context, pollID uuid.UUID, event string, payload interface{})
}

// CreateRequest is the body for POST /polls/:id/comments.
type CreateRequest struct {
	Content string `json:"content" binding:"required"`
}

// Handler handles comment HTTP endpoints.
type Handler struct {
	repo   Store
	hub    Publisher
	logger *zap.Logger
}

// NewHandler creates a comments handler. hub may be nil.
func NewHandler(repo Store, hub Publisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, hub: hub, logger: logger}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	err = polls.ClassifyStorageError(err)
	if kind := polls.Kind(err); kind == "unknown" || kind == "transient_storage_error" {
		h.logger.Error(op+" failed", zap.Error(err))
	}
	polls.WriteError(c, err)
}

// Create handles POST /polls/:id/comments.
func (h *Handler) Create(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid poll id")
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" || utf8.RuneCountInString(content) > maxContentLen {
		polls.WriteError(c, polls.ValidationError("content must be 1-%d characters", maxContentLen))
		return
	}

	cm := &models.Comment{PollID: pollID, UserID: userID, Content: content}
	if err := h.repo.Create(c.Request.Context(), cm); err != nil {
		h.fail(c, "create comment", err)
		return
	}

	if h.hub != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), publishTTL)
		h.hub.PublishToPoll(ctx, pollID, realtime.EventCommentAdded, cm)
		cancel()
	}
	response.Created(c, cm)
}

// List handles GET /polls/:id/comments.
func (h *Handler) List(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid poll id")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.ListByPoll(c.Request.Context(), pollID, limit, offset)
	if err != nil {
		h.fail(c, "list comments", err)
		return
	}
	response.OK(c, gin.H{"comments": list})
}

// Delete handles DELETE /comments/:id (author or admin).
func (h *Handler) Delete(c *gin.Context) {
	commentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid comment id")
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	cm, err := h.repo.GetByID(c.Request.Context(), commentID)
	if err != nil {
		h.fail(c, "get comment", err)
		return
	}
	if cm.UserID != userID && middleware.UserRole(c) != models.RoleAdmin {
		polls.WriteError(c, polls.ErrForbidden)
		return
	}
	if err := h.repo.Delete(c.Request.Context(), commentID); err != nil {
		h.fail(c, "delete comment", err)
		return
	}
	response.NoContent(c)
}
