package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/pkg/jwt"
	"github.com/streamgate/core/internal/pkg/response"
	"gorm.io/gorm"
)

const (
	ContextKeySID = "session_id"
	ContextKeyJTI = "token_jti"
)

// ViewerAuth enforces a viewer access token and checks the session is still
// active. A session evicted between token issue and this request fails here
// even though its JWT has time left.
func ViewerAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := ValidateViewerToken(db, extractToken(c))
		if err != nil {
			response.Rejection(c, 401, "session_invalid")
			return
		}
		c.Set(ContextKeySID, claims.SessionID)
		c.Set(ContextKeyJTI, claims.ID)
		c.Next()
	}
}

// ValidateViewerToken parses the access token and verifies its session row.
func ValidateViewerToken(db *gorm.DB, rawToken string) (*jwt.AccessClaims, error) {
	token := NormalizeToken(rawToken)
	if token == "" {
		return nil, errors.New("token is required")
	}
	claims, err := jwt.ParseAccess(token)
	if err != nil {
		return nil, err
	}
	var sess models.SessionModel
	if err := db.Select("active").Where("id = ?", claims.SessionID).First(&sess).Error; err != nil {
		return nil, err
	}
	if !sess.Active {
		return nil, errors.New("session revoked")
	}
	return claims, nil
}

// CurrentSessionID extracts the authenticated session ID from context.
func CurrentSessionID(c *gin.Context) string {
	v, _ := c.Get(ContextKeySID)
	id, _ := v.(string)
	return id
}

// CurrentJTI extracts the access token's jti from context.
func CurrentJTI(c *gin.Context) string {
	v, _ := c.Get(ContextKeyJTI)
	id, _ := v.(string)
	return id
}

func extractToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth != "" {
		return NormalizeToken(auth)
	}
	return NormalizeToken(c.Query("token"))
}

// NormalizeToken trims spaces and strips optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
