package app

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/middleware"
	"github.com/streamgate/core/internal/modules/adminauth"
	"github.com/streamgate/core/internal/modules/admission"
	"github.com/streamgate/core/internal/modules/authz"
	"github.com/streamgate/core/internal/modules/bruteforce"
	"github.com/streamgate/core/internal/modules/codes"
	"github.com/streamgate/core/internal/modules/events"
	"github.com/streamgate/core/internal/modules/stats"
	"github.com/streamgate/core/internal/pkg/nativelog"
	"github.com/streamgate/core/internal/pkg/response"
)

func (a *App) registerRoutes() {
	r := a.router
	db := a.db

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "not found")
	})
	r.NoMethod(func(c *gin.Context) {
		response.Error(c, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(middleware.RateLimit(a.rc.Raw()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Services
	guard := bruteforce.NewGuard(db)
	authzSvc := authz.NewService(db)
	codesSvc := codes.NewService(db, a.logger)
	adminSvc := adminauth.NewService(db, a.logger)
	recorder := stats.NewRecorder(db, a.presence, a.logger)

	api := r.Group("/api/v1")

	// Viewer surface
	admission.NewHandler(a.admission, guard, db, a.logger).RegisterRoutes(api)
	events.NewHandler(db, a.admission, authzSvc, a.logger).RegisterRoutes(api)

	// Terminate push channel + admin dashboard socket
	r.GET("/ws/viewer", a.viewerWS)
	r.Any("/socket.io/*any", gin.WrapH(a.hub.Handler()))

	// Admin surface
	adminPublic := api.Group("/admin")
	admin := api.Group("/admin", adminauth.Middleware())
	manage := api.Group("/admin", adminauth.Middleware(adminauth.RoleManager))

	adminauth.NewHandler(adminSvc).RegisterRoutes(adminPublic, manage)
	codes.NewHandler(codesSvc, authzSvc).RegisterRoutes(manage)
	events.NewAdminHandler(db).RegisterRoutes(manage)
	admission.NewAdminHandler(a.admission, db, a.presence).RegisterRoutes(manage)

	admin.GET("/ccu/series", func(c *gin.Context) {
		to := time.Now().UTC()
		from := to.Add(-6 * time.Hour)
		if v := c.Query("minutes"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 7*24*60 {
				from = to.Add(-time.Duration(n) * time.Minute)
			}
		}
		rows, err := recorder.Series(c.Request.Context(), from, to)
		if err != nil {
			response.InternalError(c, err)
			return
		}
		response.OK(c, rows)
	})

	// Runtime policy knobs
	admin.GET("/settings/policy", func(c *gin.Context) {
		vals, err := a.policy.All(c.Request.Context())
		if err != nil {
			response.InternalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"policy": vals})
	})
	manage.PUT("/settings/policy/:name", func(c *gin.Context) {
		var req struct {
			Value int `json:"value" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "value is required")
			return
		}
		if err := a.policy.Set(c.Request.Context(), c.Param("name"), req.Value); err != nil {
			response.InternalError(c, err)
			return
		}
		response.NoContent(c)
	})

	// Realtime log tail over SSE.
	admin.GET("/logs/stream", func(c *gin.Context) {
		id, ch := nativelog.Subscribe(0)
		defer nativelog.Unsubscribe(id)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case line, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("log", line)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

	// Background job control
	admin.GET("/jobs", func(c *gin.Context) {
		response.OK(c, a.sched.List())
	})
	manage.POST("/jobs/:name/run", func(c *gin.Context) {
		if err := a.sched.Run(c.Request.Context(), c.Param("name")); err != nil {
			response.NotFound(c, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
	})
}
