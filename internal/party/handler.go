package party

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridelink/backend/internal/middleware"
	"github.com/ridelink/backend/internal/models"
	"github.com/ridelink/backend/pkg/queue"
	"github.com/ridelink/backend/pkg/response"
)

// Notifier publishes authoritative lifecycle signals onto the party topic.
// Implemented by the realtime hub.
type Notifier interface {
	PublishToParty(joinToken, event string, payload interface{})
}

// PresenceStore drops a member's volatile last-known location. Implemented by
// the realtime presence layer.
type PresenceStore interface {
	Remove(ctx context.Context, partyID uuid.UUID, userID string) error
}

// Handler handles party lifecycle HTTP endpoints.
type Handler struct {
	svc      *Service
	notifier Notifier
	presence PresenceStore
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewHandler creates a party handler.
func NewHandler(svc *Service, notifier Notifier, presence PresenceStore, q *queue.Queue, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, notifier: notifier, presence: presence, queue: q, logger: logger}
}

// JoinByCodeRequest is the body for POST /parties/join.
type JoinByCodeRequest struct {
	Code string `json:"code" binding:"required,len=4,numeric"`
}

// JoinByTokenRequest is the body for POST /parties/join-token.
type JoinByTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// Create handles POST /parties.
func (h *Handler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	p, err := h.svc.Create(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, p)
}

// JoinByCode handles POST /parties/join.
func (h *Handler) JoinByCode(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	var req JoinByCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.JoinByCode(c.Request.Context(), req.Code, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, p)
}

// JoinByToken handles POST /parties/join-token (deep-link joins).
func (h *Handler) JoinByToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	var req JoinByTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.JoinByToken(c.Request.Context(), req.Token, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, p)
}

// Members handles GET /parties/:id/members.
func (h *Handler) Members(c *gin.Context) {
	partyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	members, err := h.svc.Members(c.Request.Context(), partyID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, members)
}

// Leave handles POST /parties/:id/leave. Idempotent.
func (h *Handler) Leave(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	partyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	if err := h.svc.Leave(c.Request.Context(), partyID, userID); err != nil {
		h.fail(c, err)
		return
	}
	// Last-known location must not outlive the membership: a device joining
	// later would otherwise see the departed member in its roster snapshot.
	if h.presence != nil {
		if err := h.presence.Remove(c.Request.Context(), partyID, userID.String()); err != nil {
			h.logger.Debug("presence remove", zap.Error(err), zap.String("party_id", partyID.String()))
		}
	}
	if p, err := h.svc.Get(c.Request.Context(), partyID); err == nil && h.notifier != nil {
		h.notifier.PublishToParty(p.JoinToken, "member_left", gin.H{"user_id": userID.String()})
	}
	response.NoContent(c)
}

// End handles POST /parties/:id/end. Host-only; cascades leaves.
func (h *Handler) End(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	partyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	p, err := h.svc.End(c.Request.Context(), partyID, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.announceEnded(c.Request.Context(), p)
	response.NoContent(c)
}

// RegenCode handles POST /parties/:id/regen-code. Host-only. The old code is
// invalid for new joins the instant this returns.
func (h *Handler) RegenCode(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "no identity available")
		return
	}
	partyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	p, err := h.svc.RegenCode(c.Request.Context(), partyID, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, p)
}

// announceEnded broadcasts the ended signal and queues volatile-state cleanup.
func (h *Handler) announceEnded(ctx context.Context, p *models.Party) {
	if h.notifier != nil {
		h.notifier.PublishToParty(p.JoinToken, "party_ended", gin.H{"party_id": p.ID.String()})
	}
	if h.queue != nil {
		if err := h.queue.EnqueuePartyTeardown(ctx, queue.PartyTeardownPayload{
			PartyID:   p.ID,
			JoinToken: p.JoinToken,
		}); err != nil {
			h.logger.Error("enqueue teardown", zap.Error(err), zap.String("party_id", p.ID.String()))
		}
	}
}

// fail maps lifecycle errors onto HTTP responses. Expired parties answer the
// same as unknown ones so probing old codes reveals nothing.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
		response.NotFound(c, "party not found")
	case errors.Is(err, ErrCapacityExceeded):
		response.Conflict(c, "party is full")
	case errors.Is(err, ErrPermissionDenied):
		response.Forbidden(c, "only the party host may do this")
	case errors.Is(err, ErrCodeGenerationExhausted):
		response.Internal(c, "could not allocate a join code, try again")
	default:
		h.logger.Error("party operation failed", zap.Error(err))
		response.Internal(c, "internal error")
	}
}
