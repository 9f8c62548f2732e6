package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ka-bot/internal/auth"
	"ka-bot/internal/ingest"
	"ka-bot/internal/lifecycle"
	"ka-bot/internal/metrics"
	"ka-bot/internal/rbac"
	"ka-bot/internal/reconcile"
	"ka-bot/internal/requests"
	"ka-bot/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *sql.DB and by the redis client adapter in cmd/api.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Ingest    *ingest.Service
	Engine    *lifecycle.Engine
	Gate      *rbac.Gate
	Scheduler *reconcile.Scheduler

	// Probes are checked by Health; nil entries are skipped.
	Probes map[string]Pinger
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, p := range h.Probes {
		if p == nil {
			continue
		}
		if err := p.PingContext(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// --- Ingestion ---

// SubmitRequest receives a request from 1F. The broadcast outcome is reported
// in the body; only validation and store failures change the status code.
func (h Handlers) SubmitRequest(c *gin.Context) {
	if h.Ingest == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingest not configured"})
		return
	}
	var sub ingest.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"ok": false, "error": "invalid json: " + err.Error()})
		return
	}

	ack, err := h.Ingest.Submit(c.Request.Context(), sub)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"ok": false, "error": err.Error()})
			return
		}
		logger.FromGin(c).ErrorContext(c.Request.Context(), "submit failed", "external_id", sub.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "request could not be stored"})
		return
	}
	c.JSON(http.StatusOK, ack)
}

// --- Admin: permitted users ---

type grantRequest struct {
	TgID     int64  `json:"tg_id" binding:"required,gt=0"`
	Username string `json:"username" binding:"max=64"`
}

func (h Handlers) ListPermittedUsers(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	users, err := h.Gate.List(c.Request.Context(), actorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": users})
}

func (h Handlers) GrantPermittedUser(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tg_id required"})
		return
	}
	u, err := h.Gate.Grant(c.Request.Context(), actorID, req.TgID, req.Username)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h Handlers) RevokePermittedUser(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	tgID, ok := int64Param(c, "tg_id")
	if !ok {
		return
	}
	removed, err := h.Gate.Revoke(c.Request.Context(), actorID, tgID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !removed {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "permitted user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tg_id": tgID, "is_active": false})
}

// --- Admin: requests ---

func (h Handlers) GetRequest(c *gin.Context) {
	externalID, ok := int64Param(c, "external_id")
	if !ok {
		return
	}
	req, err := h.Engine.Get(c.Request.Context(), externalID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h Handlers) RetryGroup(c *gin.Context) { h.retry(c, metrics.LaneGroup) }

func (h Handlers) RetryCallback(c *gin.Context) { h.retry(c, metrics.LaneCallback) }

func (h Handlers) retry(c *gin.Context, lane string) {
	externalID, ok := int64Param(c, "external_id")
	if !ok {
		return
	}
	req, out, err := h.Scheduler.Retry(c.Request.Context(), lane, externalID)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{"lane": lane, "delivered": out.OK(), "request": req}
	if !out.OK() {
		body["error"] = out.Reason()
	}
	c.JSON(http.StatusOK, body)
}

// fail maps domain errors onto status codes.
func (h Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, requests.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, requests.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, rbac.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		logger.FromGin(c).ErrorContext(c.Request.Context(), "admin request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actor(c *gin.Context) (int64, bool) {
	id, err := auth.ActorID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "actor required"})
		return 0, false
	}
	return id, true
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return v, true
}
