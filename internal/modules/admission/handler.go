package admission

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/middleware"
	"github.com/streamgate/core/internal/modules/bruteforce"
	"github.com/streamgate/core/internal/pkg/response"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler exposes the viewer session endpoints.
type Handler struct {
	svc    *Service
	guard  *bruteforce.Guard
	db     *gorm.DB
	logger *zap.Logger
}

func NewHandler(svc *Service, guard *bruteforce.Guard, db *gorm.DB, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, guard: guard, db: db, logger: logger}
}

// RegisterRoutes mounts the session lifecycle endpoints. Login, refresh and
// logout are reachable without a valid access token: login by definition,
// the other two because clients arrive with an expired access token.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	s := rg.Group("/session")
	s.POST("/login", h.login)
	s.POST("/refresh", h.refresh)
	s.POST("/logout", h.logout)
	s.POST("/heartbeat", middleware.ViewerAuth(h.db), h.heartbeat)
}

type loginRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "code is required")
		return
	}
	ctx := c.Request.Context()
	ip := c.ClientIP()

	hold, err := h.guard.Check(ctx, ip)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if hold > 0 {
		response.RetryAfter(c, int(hold.Seconds())+1)
		return
	}

	res, err := h.svc.Login(ctx, req.Code, ip, c.Request.UserAgent())
	if err != nil {
		if reason, ok := RejectionReason(err); ok {
			if err := h.guard.RegisterFailure(ctx, ip, req.Code); err != nil {
				h.logger.Warn("register failed login", zap.Error(err))
			}
			response.Rejection(c, statusForReason(reason), reason)
			return
		}
		response.InternalError(c, err)
		return
	}
	if err := h.guard.Clear(ctx, ip); err != nil {
		h.logger.Warn("clear failed logins", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"access":     res.Access,
		"refresh":    res.Refresh,
		"session_id": res.SessionID,
		"expires_in": int(h.svc.AccessTTL(ctx) / time.Second),
	})
}

type refreshRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Refresh   string `json:"refresh"`
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "session_id is required")
		return
	}
	pair, err := h.svc.Rotate(c.Request.Context(), req.SessionID, req.Refresh)
	if err != nil {
		if reason, ok := RejectionReason(err); ok {
			response.Rejection(c, statusForReason(reason), reason)
			return
		}
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access":     pair.Access,
		"refresh":    pair.Refresh,
		"expires_in": int(h.svc.AccessTTL(c.Request.Context()) / time.Second),
	})
}

type logoutRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) logout(c *gin.Context) {
	var req logoutRequest
	_ = c.ShouldBindJSON(&req)

	sid := req.SessionID
	// Prefer the token's session when a still-valid one is presented.
	if claims, err := middleware.ValidateViewerToken(h.db, c.GetHeader("Authorization")); err == nil {
		sid = claims.SessionID
	}
	if sid == "" {
		response.BadRequest(c, "session_id is required")
		return
	}
	if err := h.svc.Logout(c.Request.Context(), sid, ""); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

type heartbeatRequest struct {
	EventID string `json:"event_id"`
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	res, err := h.svc.Heartbeat(c.Request.Context(),
		middleware.CurrentSessionID(c), req.EventID, middleware.CurrentJTI(c))
	if err != nil {
		if reason, ok := RejectionReason(err); ok {
			response.Rejection(c, statusForReason(reason), reason)
			return
		}
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"online":     res.EventOnline,
		"window_sec": res.WindowSec,
	})
}

// statusForReason maps rejection reasons onto HTTP status codes. Unknown
// codes stay 401 so a new reason fails closed.
func statusForReason(reason string) int {
	switch reason {
	case "forbidden", "not_allowed":
		return http.StatusForbidden
	case "missing_refresh":
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}
