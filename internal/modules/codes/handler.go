package codes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/modules/authz"
	"github.com/streamgate/core/internal/pkg/response"
)

// Handler exposes the admin code management endpoints.
type Handler struct {
	svc   *Service
	authz *authz.Service
}

func NewHandler(svc *Service, authzSvc *authz.Service) *Handler {
	return &Handler{svc: svc, authz: authzSvc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	codes := rg.Group("/codes")
	codes.POST("/batch", h.createBatch)
	codes.GET("", h.list)
	codes.PATCH("/:id", h.patch)
	codes.POST("/:id/reissue", h.reissue)
	codes.POST("/:id/revoke", h.revoke)
	codes.DELETE("/:id", h.delete)
	codes.POST("/:id/events/:event_id", h.grantEvent)
	codes.DELETE("/:id/events/:event_id", h.revokeEvent)
}

func (h *Handler) createBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res, err := h.svc.CreateBatch(c.Request.Context(), req)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, res)
}

func (h *Handler) list(c *gin.Context) {
	limit, offset := intQuery(c, "limit", 100), intQuery(c, "offset", 0)
	rows, total, err := h.svc.List(c.Request.Context(), c.Query("batch_id"), limit, offset)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "total": total})
}

func (h *Handler) patch(c *gin.Context) {
	var p Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	code, err := h.svc.Patch(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	response.OK(c, code)
}

func (h *Handler) reissue(c *gin.Context) {
	code, err := h.svc.Reissue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeErr(c, err)
		return
	}
	response.OK(c, code)
}

// revoke blocks new logins under the code. Existing sessions are left
// running; the terminate-sessions endpoint kills those explicitly.
func (h *Handler) revoke(c *gin.Context) {
	if err := h.svc.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		h.writeErr(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeErr(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) grantEvent(c *gin.Context) {
	if err := h.authz.Grant(c.Request.Context(), c.Param("id"), c.Param("event_id")); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) revokeEvent(c *gin.Context) {
	if err := h.authz.Revoke(c.Request.Context(), c.Param("id"), c.Param("event_id")); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) writeErr(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "code not found")
		return
	}
	response.InternalError(c, err)
}

func intQuery(c *gin.Context, name string, def int) int {
	if s := c.Query(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}
