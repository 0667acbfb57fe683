package admission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/modules/bruteforce"
	"go.uber.org/zap"
)

func newHandlerRouter(t *testing.T, env *testEnv) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, env.db.AutoMigrate(&models.FailedLoginModel{}))

	router := gin.New()
	h := NewHandler(env.svc, bruteforce.NewGuard(env.db), env.db, zap.NewNop())
	h.RegisterRoutes(router.Group("/api/v1"))
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload interface{}) (int, map[string]interface{}, http.Header) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body, w.Header()
}

func TestLoginEndpointIssuesTokenPair(t *testing.T) {
	env := newTestEnv(t)
	router := newHandlerRouter(t, env)
	env.createCode(t, "GOOD1234", 1)

	status, body, _ := postJSON(t, router, "/api/v1/session/login", gin.H{"code": "GOOD1234"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access"])
	assert.NotEmpty(t, body["refresh"])
	assert.NotEmpty(t, body["session_id"])
	assert.NotZero(t, body["expires_in"])
}

func TestLoginEndpointRejectsAndRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	router := newHandlerRouter(t, env)

	status, body, _ := postJSON(t, router, "/api/v1/session/login", gin.H{"code": "WRONG999"})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_or_inactive", body["reason"])

	var row models.FailedLoginModel
	require.NoError(t, env.db.First(&row, "ip = ?", "192.0.2.1").Error)
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, "WRONG999", row.CodeTry)
}

func TestLoginEndpointHoldsOffRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	router := newHandlerRouter(t, env)
	env.createCode(t, "GOOD1234", 1)

	require.NoError(t, env.db.Create(&models.FailedLoginModel{
		IP: "192.0.2.1", Attempts: 10, LastTry: time.Now().UTC(),
	}).Error)

	status, body, headers := postJSON(t, router, "/api/v1/session/login", gin.H{"code": "GOOD1234"})
	require.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["reason"])
	assert.NotEmpty(t, headers.Get("Retry-After"))
}

func TestLoginEndpointClearsFailuresOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	router := newHandlerRouter(t, env)
	env.createCode(t, "GOOD1234", 1)

	// Under the free-attempt budget: allowed through, then wiped.
	require.NoError(t, env.db.Create(&models.FailedLoginModel{
		IP: "192.0.2.1", Attempts: 2, LastTry: time.Now().UTC(),
	}).Error)

	status, _, _ := postJSON(t, router, "/api/v1/session/login", gin.H{"code": "GOOD1234"})
	require.Equal(t, http.StatusOK, status)

	var n int64
	require.NoError(t, env.db.Model(&models.FailedLoginModel{}).
		Where("ip = ?", "192.0.2.1").Count(&n).Error)
	assert.Zero(t, n)
}

func TestRefreshEndpointRotates(t *testing.T) {
	env := newTestEnv(t)
	router := newHandlerRouter(t, env)
	env.createCode(t, "GOOD1234", 1)

	status, login, _ := postJSON(t, router, "/api/v1/session/login", gin.H{"code": "GOOD1234"})
	require.Equal(t, http.StatusOK, status)

	status, rotated, _ := postJSON(t, router, "/api/v1/session/refresh", gin.H{
		"session_id": login["session_id"],
		"refresh":    login["refresh"],
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, rotated["access"])
	assert.NotEqual(t, login["refresh"], rotated["refresh"])

	// The spent token is single use.
	status, replay, _ := postJSON(t, router, "/api/v1/session/refresh", gin.H{
		"session_id": login["session_id"],
		"refresh":    login["refresh"],
	})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_refresh", replay["reason"])
}

func TestLogoutEndpointBySessionID(t *testing.T) {
	env := newTestEnv(t)
	router := newHandlerRouter(t, env)
	env.createCode(t, "GOOD1234", 1)

	status, login, _ := postJSON(t, router, "/api/v1/session/login", gin.H{"code": "GOOD1234"})
	require.Equal(t, http.StatusOK, status)
	sid, _ := login["session_id"].(string)

	status, _, _ = postJSON(t, router, "/api/v1/session/logout", gin.H{"session_id": sid})
	require.Equal(t, http.StatusNoContent, status)

	var sess models.SessionModel
	require.NoError(t, env.db.First(&sess, "id = ?", sid).Error)
	assert.False(t, sess.Active)
}
