package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/streamgate/core/internal/config"
	"github.com/streamgate/core/internal/database"
	"github.com/streamgate/core/internal/middleware"
	"github.com/streamgate/core/internal/modules/admission"
	"github.com/streamgate/core/internal/modules/gateway"
	"github.com/streamgate/core/internal/modules/policy"
	"github.com/streamgate/core/internal/modules/presence"
	pkgcron "github.com/streamgate/core/internal/pkg/cron"
	"github.com/streamgate/core/internal/pkg/jwt"
	"github.com/streamgate/core/internal/pkg/lock"
	pkgredis "github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg       *config.AppConfig
	router    *gin.Engine
	db        *gorm.DB
	rc        *pkgredis.Client
	hub       *gateway.Hub
	registry  *gateway.Registry
	presence  *presence.Store
	policy    *policy.Store
	admission *admission.Service
	logger    *zap.Logger
	cancel    context.CancelFunc
	sched     *pkgcron.Scheduler
	upgrader  websocket.Upgrader
}

// New initializes the application: config → DB → Redis → services → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := applyRuntimeSettings(cfg, logger); err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(corsMiddleware(cfg))

	hub := gateway.NewHub(rc, logger, func(token string) bool {
		_, err := jwt.ParseAdmin(token, jwt.TypAdminAccess)
		return err == nil
	})
	registry := gateway.NewRegistry(rc, logger)
	presenceStore := presence.NewStore(rc, logger)
	policyStore := policy.NewStore(rc, logger)

	admissionSvc := admission.NewService(
		db,
		lock.NewMySQLLocker(db, 5*time.Second),
		presenceStore,
		gateway.NewTerminator(rc, logger),
		hub,
		policyStore,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	sched := pkgcron.New()

	app := &App{
		cfg:       cfg,
		router:    router,
		db:        db,
		rc:        rc,
		hub:       hub,
		registry:  registry,
		presence:  presenceStore,
		policy:    policyStore,
		admission: admissionSvc,
		logger:    logger,
		cancel:    cancel,
		sched:     sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native players send no Origin header.
				return origin == "" || allowOrigin(cfg)(origin)
			},
		},
	}
	app.registerCronJobs()
	go sched.Start(ctx)
	app.registerRoutes()

	return app, nil
}

func corsMiddleware(cfg *config.AppConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Event-Token"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
	}
	corsConfig.AllowOriginFunc = allowOrigin(cfg)
	return cors.New(corsConfig)
}

// allowOrigin builds the origin allow-list predicate shared by CORS and
// websocket upgrades. Development allows everything.
func allowOrigin(cfg *config.AppConfig) func(string) bool {
	if len(cfg.AllowedOrigins) == 0 || cfg.IsDev() {
		return func(string) bool { return true }
	}
	patterns := cfg.AllowedOrigins
	return func(origin string) bool {
		host := extractOriginHost(origin)
		for _, pattern := range patterns {
			if matchOriginPattern(pattern, host) {
				return true
			}
		}
		return false
	}
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown cleans up background goroutines.
func (a *App) Shutdown() { a.cancel() }
