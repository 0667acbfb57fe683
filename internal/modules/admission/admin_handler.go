package admission

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/modules/gateway"
	"github.com/streamgate/core/internal/pkg/pagination"
	"github.com/streamgate/core/internal/pkg/response"
	"gorm.io/gorm"
)

// AdminPresence is what the session views need from the presence store.
type AdminPresence interface {
	FilterOffline(ctx context.Context, sessionIDs []string) ([]string, error)
	CCUEstimate(ctx context.Context) (int, error)
	EventCCU(ctx context.Context, eventID string) (int, error)
}

// AdminHandler exposes the operator session views and kill switches.
type AdminHandler struct {
	svc      *Service
	db       *gorm.DB
	presence AdminPresence
}

func NewAdminHandler(svc *Service, db *gorm.DB, presence AdminPresence) *AdminHandler {
	return &AdminHandler{svc: svc, db: db, presence: presence}
}

func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.listSessions)
	rg.GET("/sessions/:id/events", h.sessionEvents)
	rg.POST("/sessions/:id/terminate", h.terminateSession)
	rg.POST("/codes/:id/terminate-sessions", h.terminateByCode)
	rg.GET("/ccu", h.currentCCU)
}

type sessionView struct {
	models.SessionModel
	Online bool `json:"online"`
}

func (h *AdminHandler) listSessions(c *gin.Context) {
	q := pagination.FromContext(c)
	ctx := c.Request.Context()

	query := h.db.WithContext(ctx).Model(&models.SessionModel{}).Order("created_at DESC")
	if codeID := c.Query("code_id"); codeID != "" {
		query = query.Where("code_id = ?", codeID)
	}
	if eventID := c.Query("event_id"); eventID != "" {
		query = query.Where("event_id = ?", eventID)
	}
	if c.Query("active") != "" {
		query = query.Where("active = ?", c.Query("active") == "true")
	}

	var rows []models.SessionModel
	page, err := pagination.Paginate(query, q, &rows)
	if err != nil {
		response.InternalError(c, err)
		return
	}

	// Online is presence truth, not the row's connected flag.
	ids := make([]string, len(rows))
	for i, s := range rows {
		ids[i] = s.ID
	}
	offline := map[string]bool{}
	if len(ids) > 0 {
		offlineIDs, err := h.presence.FilterOffline(ctx, ids)
		if err == nil {
			for _, id := range offlineIDs {
				offline[id] = true
			}
		} else {
			for _, id := range ids {
				offline[id] = true
			}
		}
	}

	views := make([]sessionView, len(rows))
	for i, s := range rows {
		views[i] = sessionView{SessionModel: s, Online: s.Active && !offline[s.ID]}
	}
	response.Paged(c, views, page)
}

func (h *AdminHandler) sessionEvents(c *gin.Context) {
	var events []models.SessionEventModel
	err := h.db.WithContext(c.Request.Context()).
		Where("session_id = ?", c.Param("id")).
		Order("at ASC").
		Limit(500).
		Find(&events).Error
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, events)
}

func (h *AdminHandler) terminateSession(c *gin.Context) {
	if err := h.svc.Logout(c.Request.Context(), c.Param("id"), gateway.ReasonAdminLogout); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *AdminHandler) terminateByCode(c *gin.Context) {
	res, err := h.svc.ForceLogoutByCode(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AdminHandler) currentCCU(c *gin.Context) {
	ctx := c.Request.Context()
	if eventID := c.Query("event_id"); eventID != "" {
		n, err := h.presence.EventCCU(ctx, eventID)
		if err != nil {
			response.InternalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ccu": n, "event_id": eventID})
		return
	}
	n, err := h.presence.CCUEstimate(ctx)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ccu": n})
}
