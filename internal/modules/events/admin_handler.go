package events

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/pkg/pagination"
	"github.com/streamgate/core/internal/pkg/response"
	"gorm.io/gorm"
)

// AdminHandler manages the event catalog.
type AdminHandler struct {
	db *gorm.DB
}

func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{db: db}
}

func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	ev := rg.Group("/events")
	ev.POST("", h.create)
	ev.GET("", h.list)
	ev.PATCH("/:id", h.patch)
	ev.DELETE("/:id", h.delete)
}

type eventRequest struct {
	Title    string     `json:"title" binding:"required"`
	Slug     string     `json:"slug"`
	Status   string     `json:"status"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}

func (h *AdminHandler) create(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Status == "" {
		req.Status = models.EventStatusDraft
	}
	ev := &models.EventModel{
		Title:    req.Title,
		Slug:     req.Slug,
		Status:   req.Status,
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(ev).Error; err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, ev)
}

func (h *AdminHandler) list(c *gin.Context) {
	q := pagination.FromContext(c)
	query := h.db.WithContext(c.Request.Context()).
		Model(&models.EventModel{}).Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var rows []models.EventModel
	page, err := pagination.Paginate(query, q, &rows)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, rows, page)
}

func (h *AdminHandler) patch(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	allowed := map[string]bool{"title": true, "slug": true, "status": true, "starts_at": true, "ends_at": true}
	for k := range updates {
		if !allowed[k] {
			delete(updates, k)
		}
	}

	var ev models.EventModel
	err := h.db.WithContext(c.Request.Context()).Where("id = ?", c.Param("id")).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "event not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	if len(updates) > 0 {
		if err := h.db.WithContext(c.Request.Context()).Model(&ev).Updates(updates).Error; err != nil {
			response.InternalError(c, err)
			return
		}
	}
	response.OK(c, &ev)
}

func (h *AdminHandler) delete(c *gin.Context) {
	res := h.db.WithContext(c.Request.Context()).
		Where("id = ?", c.Param("id")).Delete(&models.EventModel{})
	if res.Error != nil {
		response.InternalError(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		response.NotFound(c, "event not found")
		return
	}
	response.NoContent(c)
}
