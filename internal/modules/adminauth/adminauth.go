// Package adminauth authenticates dashboard operators and guards admin
// routes by role.
package adminauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/pkg/jwt"
	"github.com/streamgate/core/internal/pkg/response"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var ErrBadCredentials = errors.New("bad credentials")

// Admin roles. Superadmin implies everything below it.
const (
	RoleSuperadmin = "superadmin"
	RoleManager    = "manager"
	RoleViewer     = "viewer"
)

const (
	AccessTTL  = 2 * time.Hour
	RefreshTTL = 7 * 24 * time.Hour
)

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// TokenPair carries both admin JWTs.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login verifies email and password against the admin table. Bcrypt runs
// even for unknown emails so the response time doesn't leak which emails
// exist.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *models.AdminUserModel, error) {
	var admin models.AdminUserModel
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&admin).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
			return nil, nil, ErrBadCredentials
		}
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.HashedPassword), []byte(password)) != nil {
		return nil, nil, ErrBadCredentials
	}

	pair, err := s.issuePair(&admin)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("admin login", zap.String("admin_id", admin.ID), zap.String("role", admin.Role))
	return pair, &admin, nil
}

// Refresh exchanges a valid admin refresh token for a fresh pair. The admin
// row is re-read so a role change or account deletion takes effect here.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := jwt.ParseAdmin(refreshToken, jwt.TypAdminRefresh)
	if err != nil {
		return nil, ErrBadCredentials
	}
	var admin models.AdminUserModel
	if err := s.db.WithContext(ctx).Where("id = ?", claims.AdminID).First(&admin).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	return s.issuePair(&admin)
}

func (s *Service) issuePair(admin *models.AdminUserModel) (*TokenPair, error) {
	access, err := jwt.SignAdminAccess(admin.ID, admin.Role, AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := jwt.SignAdminRefresh(admin.ID, RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

// CreateAdmin registers an operator account. Used by the bootstrap CLI path
// and the superadmin endpoint.
func (s *Service) CreateAdmin(ctx context.Context, email, password, role string) (*models.AdminUserModel, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	admin := &models.AdminUserModel{
		Email:          strings.ToLower(strings.TrimSpace(email)),
		HashedPassword: string(hash),
		Role:           role,
	}
	if err := s.db.WithContext(ctx).Create(admin).Error; err != nil {
		return nil, err
	}
	return admin, nil
}

const ctxAdminKey = "admin_claims"

// Middleware authenticates the request with an admin access token and
// enforces the role allow-list. An empty list admits any valid admin.
func Middleware(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles)+1)
	for _, r := range roles {
		allowed[r] = true
	}
	// Superadmin passes every gate.
	allowed[RoleSuperadmin] = true

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			response.Unauthorized(c, "missing token")
			return
		}
		claims, err := jwt.ParseAdmin(token, jwt.TypAdminAccess)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		if len(roles) > 0 && !allowed[claims.Role] {
			response.Error(c, http.StatusForbidden, "forbidden")
			return
		}
		c.Set(ctxAdminKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the admin claims set by Middleware.
func ClaimsFrom(c *gin.Context) *jwt.AdminClaims {
	v, ok := c.Get(ctxAdminKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*jwt.AdminClaims)
	return claims
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}
