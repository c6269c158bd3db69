package polls

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/response"
	"github.com/livepoll/backend/pkg/utils"
)

// CreateRequest is the body for POST /polls.
type CreateRequest struct {
	Title     string     `json:"title" binding:"required"`
	Options   []string   `json:"options" binding:"required"`
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
}

// VoteRequest is the body for POST /polls/:id/vote.
type VoteRequest struct {
	OptionID string `json:"option_id" binding:"required"`
}

// VoteResponse is returned after a successful vote.
type VoteResponse struct {
	Vote   *models.Vote       `json:"vote"`
	Result *models.PollResult `json:"result"`
}

// ShareResponse is the public view of a poll reached through its share slug.
type ShareResponse struct {
	*models.PollResult
	ShareURL string `json:"share_url"`
	Closes   string `json:"closes,omitempty"`
}

// WatcherCounter reports live subscribers of a poll.
type WatcherCounter interface {
	WatcherCount(pollID uuid.UUID) int
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	svc       *Service
	watchers  WatcherCounter
	voterSalt string
	baseURL   string
}

// NewHandler creates a polls handler. voterSalt keys the hash of anonymous voters' addresses.
func NewHandler(svc *Service, watchers WatcherCounter, voterSalt, publicBaseURL string) *Handler {
	return &Handler{
		svc:       svc,
		watchers:  watchers,
		voterSalt: voterSalt,
		baseURL:   strings.TrimRight(publicBaseURL, "/"),
	}
}

// WriteError maps an error of the poll taxonomy to an HTTP response.
func WriteError(c *gin.Context, err error) {
	kind := Kind(err)
	switch {
	case errors.Is(err, ErrNotFound):
		response.Error(c, http.StatusNotFound, kind, "not found")
	case errors.Is(err, ErrExpired):
		response.Error(c, http.StatusGone, kind, "poll is closed")
	case errors.Is(err, ErrDuplicateVote):
		response.Error(c, http.StatusConflict, kind, "already voted on this poll")
	case errors.Is(err, ErrValidation):
		response.Error(c, http.StatusBadRequest, kind, err.Error())
	case errors.Is(err, ErrForbidden):
		response.Error(c, http.StatusForbidden, kind, "not allowed")
	case errors.Is(err, ErrTransientStorage):
		response.Error(c, http.StatusServiceUnavailable, kind, "temporarily unavailable, retry later")
	default:
		response.Error(c, http.StatusInternalServerError, kind, "internal error")
	}
}

func pollParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid poll id")
		return uuid.Nil, false
	}
	return id, true
}

func actor(c *gin.Context) (Actor, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return Actor{}, false
	}
	return Actor{UserID: id, Role: middleware.UserRole(c)}, true
}

// voter identifies the caller: the user id when authenticated, else the keyed hash of the client address.
func (h *Handler) voter(c *gin.Context) models.VoterIdentity {
	v := models.VoterIdentity{IP: utils.HashIP(c.ClientIP(), h.voterSalt)}
	if id, ok := middleware.UserID(c); ok {
		v.UserID = &id
	}
	return v
}

func paging(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// Create handles POST /polls.
func (h *Handler) Create(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.CreatePoll(c.Request.Context(), a, CreatePollInput{
		Title:     req.Title,
		Options:   req.Options,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Created(c, res)
}

// List handles GET /polls.
func (h *Handler) List(c *gin.Context) {
	limit, offset := paging(c)
	list, err := h.svc.ListActive(c.Request.Context(), limit, offset)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, list)
}

// Mine handles GET /polls/mine.
func (h *Handler) Mine(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	limit, offset := paging(c)
	list, err := h.svc.ListByCreator(c.Request.Context(), a.UserID, limit, offset)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /polls/:id.
func (h *Handler) Get(c *gin.Context) {
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	res, err := h.svc.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, res)
}

// Share handles GET /p/:slug.
func (h *Handler) Share(c *gin.Context) {
	res, err := h.svc.GetPollBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		WriteError(c, err)
		return
	}
	out := ShareResponse{PollResult: res, ShareURL: h.baseURL + "/p/" + res.ShareSlug}
	switch {
	case !res.IsActive:
		out.Closes = "closed"
	case res.EndDate != nil:
		out.Closes = humanize.Time(*res.EndDate)
	}
	response.OK(c, out)
}

// Vote handles POST /polls/:id/vote.
func (h *Handler) Vote(c *gin.Context) {
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	optionID, err := uuid.Parse(req.OptionID)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "validation_error", "invalid option id")
		return
	}

	vote, err := h.svc.Vote(c.Request.Context(), pollID, optionID, h.voter(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	res, err := h.svc.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		// The vote is recorded; only the fresh tally is unavailable.
		response.Created(c, VoteResponse{Vote: vote})
		return
	}
	response.Created(c, VoteResponse{Vote: vote, Result: res})
}

// MyVote handles GET /polls/:id/my-vote.
func (h *Handler) MyVote(c *gin.Context) {
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	v, err := h.svc.MyVote(c.Request.Context(), pollID, h.voter(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, gin.H{"poll_id": v.PollID, "option_id": v.OptionID, "voted_at": v.CreatedAt})
}

// Close handles POST /polls/:id/close (creator or admin).
func (h *Handler) Close(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	res, err := h.svc.ClosePoll(c.Request.Context(), a, pollID)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, res)
}

// Delete handles DELETE /polls/:id (creator or admin).
func (h *Handler) Delete(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	if err := h.svc.DeletePoll(c.Request.Context(), a, pollID); err != nil {
		WriteError(c, err)
		return
	}
	response.NoContent(c)
}

// Watchers handles GET /polls/:id/watchers.
func (h *Handler) Watchers(c *gin.Context) {
	pollID, ok := pollParam(c)
	if !ok {
		return
	}
	count := 0
	if h.watchers != nil {
		count = h.watchers.WatcherCount(pollID)
	}
	response.OK(c, gin.H{"poll_id": pollID, "watchers": count})
}
