package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/domain"
	"github.com/airlift/spaces/internal/space"
)

type Handlers struct {
	Svc     *space.Service
	Limiter *RateLimiter
}

func identityOf(c *gin.Context) string {
	return c.GetString(identityKey)
}

// respondError translates domain errors into status codes with stable error
// codes for clients.
func respondError(c *gin.Context, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrNotMember):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrSpeakerLimit):
		status, code = http.StatusConflict, "speaker_limit_reached"
	case errors.Is(err, domain.ErrRoomExists), errors.Is(err, domain.ErrAlreadySpeaker):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotConfigured):
		status, code = http.StatusServiceUnavailable, "rtc_not_configured"
	default:
		log.Error().Err(err).Str("module", "adapters.http").Msg("unhandled error")
		status, code = http.StatusInternalServerError, "internal"
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

type startRequest struct {
	Title       string `json:"title" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
}

func (h *Handlers) StartRoom(c *gin.Context) {
	identity := identityOf(c)
	if !h.Limiter.Allow(identity) {
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "error": "too many requests"})
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "missing title or displayName"})
		return
	}
	res, err := h.Svc.Start(c.Request.Context(), identity, req.Title, req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.Svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handlers) GetRoom(c *gin.Context) {
	room, err := h.Svc.Snapshot(c.Request.Context(), c.Param("channel"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) StopRoom(c *gin.Context) {
	if err := h.Svc.Stop(c.Request.Context(), c.Param("channel"), identityOf(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

type joinRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

func (h *Handlers) Join(c *gin.Context) {
	identity := identityOf(c)
	if !h.Limiter.Allow(identity) {
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "error": "too many requests"})
		return
	}
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "missing displayName"})
		return
	}
	res, err := h.Svc.Join(c.Request.Context(), c.Param("channel"), identity, req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) RaiseHand(c *gin.Context) {
	room, err := h.Svc.RaiseHand(c.Request.Context(), c.Param("channel"), identityOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) LowerHand(c *gin.Context) {
	room, err := h.Svc.LowerHand(c.Request.Context(), c.Param("channel"), identityOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type targetRequest struct {
	SessionID int64 `json:"sessionId" binding:"required"`
}

func (h *Handlers) Promote(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "missing sessionId"})
		return
	}
	room, err := h.Svc.Promote(c.Request.Context(), c.Param("channel"), identityOf(c), req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) Demote(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "missing sessionId"})
		return
	}
	room, err := h.Svc.Demote(c.Request.Context(), c.Param("channel"), identityOf(c), req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) Reject(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "missing sessionId"})
		return
	}
	room, err := h.Svc.Reject(c.Request.Context(), c.Param("channel"), identityOf(c), req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

func (h *Handlers) SetMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "missing muted"})
		return
	}
	room, err := h.Svc.SetMute(c.Request.Context(), c.Param("channel"), identityOf(c), *req.Muted)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}
