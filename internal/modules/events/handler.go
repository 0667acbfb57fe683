// Package events gates playback entry per event with short-lived event
// access tokens (EATs).
package events

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/middleware"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/modules/admission"
	"github.com/streamgate/core/internal/modules/authz"
	"github.com/streamgate/core/internal/pkg/jwt"
	"github.com/streamgate/core/internal/pkg/response"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// EATTTL bounds how long a player can keep going without touching the
	// API again.
	EATTTL = 10 * time.Minute
	// reissueThreshold: heartbeats this close to expiry get a fresh EAT in
	// the response so the player never sees a hard cutoff.
	reissueThreshold = 90 * time.Second

	eventTokenHeader = "X-Event-Token"
)

type Handler struct {
	db     *gorm.DB
	svc    *admission.Service
	authz  *authz.Service
	logger *zap.Logger
}

func NewHandler(db *gorm.DB, svc *admission.Service, authzSvc *authz.Service, logger *zap.Logger) *Handler {
	return &Handler{db: db, svc: svc, authz: authzSvc, logger: logger}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	ev := rg.Group("/events")
	ev.POST("/:id/enter", middleware.ViewerAuth(h.db), h.enter)
	// Heartbeat authenticates with the EAT itself, not the access token:
	// the player loop must keep working while the app refreshes in the
	// background.
	ev.POST("/:id/heartbeat", h.heartbeat)
}

// enter exchanges a valid viewer session for an event-scoped token.
func (h *Handler) enter(c *gin.Context) {
	ctx := c.Request.Context()
	eventID := c.Param("id")
	sessionID := middleware.CurrentSessionID(c)

	var sess models.SessionModel
	if err := h.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error; err != nil {
		response.Rejection(c, http.StatusUnauthorized, "session_invalid")
		return
	}
	var code models.AccessCodeModel
	if err := h.db.WithContext(ctx).Where("id = ?", sess.CodeID).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Rejection(c, http.StatusForbidden, "code_invalid")
			return
		}
		response.InternalError(c, err)
		return
	}

	allowed, err := h.authz.CodeAllowsEvent(ctx, &code, eventID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if !allowed {
		response.Rejection(c, http.StatusForbidden, "not_allowed")
		return
	}

	// Bind the session to the event and refresh presence in one step.
	hb, err := h.svc.Heartbeat(ctx, sessionID, eventID, middleware.CurrentJTI(c))
	if err != nil {
		if reason, ok := admission.RejectionReason(err); ok {
			response.Rejection(c, http.StatusForbidden, reason)
			return
		}
		response.InternalError(c, err)
		return
	}

	eat, err := jwt.SignEvent(sessionID, code.ID, eventID, sess.TokenJTI, EATTTL)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"eat":        eat,
		"expires_in": int(EATTTL / time.Second),
		"online":     hb.EventOnline,
		"window_sec": hb.WindowSec,
	})
}

// heartbeat keeps an event session alive. The response carries a fresh EAT
// in two cases: the presented one is close to expiry, or the session rotated
// its access token since the EAT was issued (jti drift). Drift alone is not
// a rejection as long as the session itself is still active.
func (h *Handler) heartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	eventID := c.Param("id")

	tokenStr := c.GetHeader(eventTokenHeader)
	if tokenStr == "" {
		tokenStr = c.Query("eat")
	}
	claims, err := jwt.ParseEvent(tokenStr, eventID)
	if err != nil {
		response.Rejection(c, http.StatusUnauthorized, "session_invalid")
		return
	}

	var sess models.SessionModel
	if err := h.db.WithContext(ctx).Where("id = ?", claims.SessionID).First(&sess).Error; err != nil {
		response.Rejection(c, http.StatusUnauthorized, "session_invalid")
		return
	}
	if !sess.Active {
		response.Rejection(c, http.StatusUnauthorized, "session_invalid")
		return
	}

	drifted := claims.ID != sess.TokenJTI

	hb, err := h.svc.Heartbeat(ctx, sess.ID, eventID, sess.TokenJTI)
	if err != nil {
		if reason, ok := admission.RejectionReason(err); ok {
			response.Rejection(c, statusForHeartbeat(reason), reason)
			return
		}
		response.InternalError(c, err)
		return
	}

	out := gin.H{
		"online":     hb.EventOnline,
		"window_sec": hb.WindowSec,
	}
	if drifted || jwt.ExpiresSoon(tokenStr, reissueThreshold) {
		eat, err := jwt.SignEvent(sess.ID, claims.CodeID, eventID, sess.TokenJTI, EATTTL)
		if err != nil {
			h.logger.Warn("eat reissue failed", zap.String("session_id", sess.ID), zap.Error(err))
		} else {
			out["eat"] = eat
			out["expires_in"] = int(EATTTL / time.Second)
		}
	}
	c.JSON(http.StatusOK, out)
}

func statusForHeartbeat(reason string) int {
	if reason == "not_allowed" {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
