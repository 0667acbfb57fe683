package adminauth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts login/refresh (public) and account management
// (superadmin only).
func (h *Handler) RegisterRoutes(public, protected *gin.RouterGroup) {
	public.POST("/auth/login", h.login)
	public.POST("/auth/refresh", h.refresh)
	protected.POST("/admins", Middleware(RoleSuperadmin), h.createAdmin)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "email and password are required")
		return
	}
	pair, admin, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			response.Unauthorized(c, "bad credentials")
			return
		}
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access":  pair.Access,
		"refresh": pair.Refresh,
		"admin":   admin,
	})
}

type refreshRequest struct {
	Refresh string `json:"refresh" binding:"required"`
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "refresh is required")
		return
	}
	pair, err := h.svc.Refresh(c.Request.Context(), req.Refresh)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			response.Unauthorized(c, "bad credentials")
			return
		}
		response.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

type createAdminRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

func (h *Handler) createAdmin(c *gin.Context) {
	var req createAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	switch req.Role {
	case "":
		req.Role = RoleViewer
	case RoleSuperadmin, RoleManager, RoleViewer:
	default:
		response.BadRequest(c, "unknown role")
		return
	}
	admin, err := h.svc.CreateAdmin(c.Request.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, admin)
}
