package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamgate/core/internal/pkg/jwt"
)

func newLimitedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pinned := time.Now()
	rateLimitNow = func() time.Time { return pinned }
	t.Cleanup(func() { rateLimitNow = time.Now })

	router := gin.New()
	router.Use(RateLimit(rdb))
	router.POST("/hit", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func hit(router *gin.Engine, headers map[string]string) int {
	req := httptest.NewRequest(http.MethodPost, "/hit", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitThrottlesAnonymousBursts(t *testing.T) {
	router := newLimitedRouter(t)

	throttled := 0
	for i := 0; i < rateLimitMax+10; i++ {
		if hit(router, nil) == http.StatusTooManyRequests {
			throttled++
		}
	}
	assert.Equal(t, 10, throttled)
}

func TestRateLimitExemptsSignedAccessToken(t *testing.T) {
	router := newLimitedRouter(t)
	access, _, err := jwt.SignAccess("sess-1", time.Hour)
	require.NoError(t, err)

	// Heartbeats from many viewers behind one NAT IP must not eat the
	// anonymous budget. The limiter runs engine-wide, before any route
	// auth, so the exemption has to come from the token itself.
	for i := 0; i < rateLimitMax+10; i++ {
		require.Equal(t, http.StatusOK, hit(router, map[string]string{
			"Authorization": "Bearer " + access,
		}))
	}
}

func TestRateLimitExemptsSignedEventToken(t *testing.T) {
	router := newLimitedRouter(t)
	eat, err := jwt.SignEvent("sess-1", "code-1", "ev-1", "jti-1", time.Hour)
	require.NoError(t, err)

	for i := 0; i < rateLimitMax+10; i++ {
		require.Equal(t, http.StatusOK, hit(router, map[string]string{
			"X-Event-Token": eat,
		}))
	}
}

func TestRateLimitIgnoresGarbageTokens(t *testing.T) {
	router := newLimitedRouter(t)

	throttled := 0
	for i := 0; i < rateLimitMax+10; i++ {
		if hit(router, map[string]string{"Authorization": "Bearer garbage"}) == http.StatusTooManyRequests {
			throttled++
		}
	}
	assert.Equal(t, 10, throttled, "an unverifiable token gets no exemption")
}
