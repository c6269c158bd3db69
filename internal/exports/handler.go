package exports

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/response"
)

// Store is the export persistence used by the handler.
type Store interface {
	Create(ctx context.Context, e *models.Export) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Export, error)
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// PollReader loads the poll an export is requested for.
type PollReader interface {
	GetPoll(ctx context.Context, pollID uuid.UUID) (*models.PollResult, error)
}

// Enqueuer hands export jobs to the worker.
type Enqueuer interface {
	EnqueueExport(ctx context.Context, payload queue.ExportPayload) error
}

// URLSigner produces time-limited download links for export objects.
type URLSigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
	ExportsBucket() string
}

// CreateRequest is the body for POST /polls/:id/exports.
type CreateRequest struct {
	Format string `json:"format"`
}

// ExportResponse is an export with its download link once completed.
type ExportResponse struct {
	*models.Export
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Handler handles export HTTP endpoints.
type Handler struct {
	repo          Store
	polls         PollReader
	queue         Enqueuer
	signer        URLSigner
	defaultFormat string
	logger        *zap.Logger
}

// NewHandler creates an exports handler. queue and signer may be nil when Redis or S3 is not configured.
func NewHandler(repo Store, pollReader PollReader, q Enqueuer, signer URLSigner, defaultFormat string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultFormat == "" {
		defaultFormat = models.ExportFormatCSV
	}
	return &Handler{repo: repo, polls: pollReader, queue: q, signer: signer, defaultFormat: defaultFormat, logger: logger}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	err = polls.ClassifyStorageError(err)
	if kind := polls.Kind(err); kind == "unknown" || kind == "transient_storage_error" {
		h.logger.Error(op+" failed", zap.Error(err))
	}
	polls.WriteError(c, err)
}

// Create handles POST /polls/:id/exports (creator or admin).
func (h *Handler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid poll id")
		return
	}
	var req CreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = h.defaultFormat
	}
	if format != models.ExportFormatCSV && format != models.ExportFormatXLSX {
		polls.WriteError(c, polls.ValidationError("format must be csv or xlsx"))
		return
	}
	if h.queue == nil {
		response.Error(c, http.StatusServiceUnavailable, "transient_storage_error", "exports are not available")
		return
	}

	res, err := h.polls.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		polls.WriteError(c, err)
		return
	}
	actor := polls.Actor{UserID: userID, Role: middleware.UserRole(c)}
	if !actor.CanManage(res) {
		polls.WriteError(c, polls.ErrForbidden)
		return
	}

	exp := &models.Export{PollID: pollID, RequestedBy: userID, Format: format}
	if err := h.repo.Create(c.Request.Context(), exp); err != nil {
		h.fail(c, "create export", err)
		return
	}
	payload := queue.ExportPayload{ExportID: exp.ID, PollID: pollID, Format: format}
	if err := h.queue.EnqueueExport(c.Request.Context(), payload); err != nil {
		h.logger.Error("enqueue export failed", zap.String("export_id", exp.ID.String()), zap.Error(err))
		_ = h.repo.MarkFailed(context.WithoutCancel(c.Request.Context()), exp.ID, "enqueue failed")
		response.Error(c, http.StatusServiceUnavailable, "transient_storage_error", "could not queue export, retry later")
		return
	}
	h.logger.Info("export requested", zap.String("export_id", exp.ID.String()), zap.String("poll_id", pollID.String()), zap.String("format", format))
	response.Accepted(c, ExportResponse{Export: exp})
}

// Get handles GET /exports/:id (requester or admin).
func (h *Handler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	exportID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid export id")
		return
	}
	exp, err := h.repo.GetByID(c.Request.Context(), exportID)
	if err != nil {
		h.fail(c, "get export", err)
		return
	}
	if exp.RequestedBy != userID && middleware.UserRole(c) != models.RoleAdmin {
		polls.WriteError(c, polls.ErrForbidden)
		return
	}

	out := ExportResponse{Export: exp}
	if exp.Status == models.ExportCompleted && exp.S3Key != nil && h.signer != nil {
		expires := h.signer.PresignExpire()
		url, err := h.signer.GeneratePresignedDownloadURL(c.Request.Context(), h.signer.ExportsBucket(), *exp.S3Key, expires)
		if err != nil {
			h.logger.Error("presign export failed", zap.String("export_id", exp.ID.String()), zap.Error(err))
			response.Error(c, http.StatusServiceUnavailable, "transient_storage_error", "download link unavailable, retry later")
			return
		}
		at := time.Now().Add(expires).UTC()
		out.DownloadURL, out.ExpiresAt = url, &at
	}
	response.OK(c, out)
}
