package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMiddleware(submitKey string) *AuthMiddleware {
	return NewAuthMiddleware(nil, "test-secret", submitKey)
}

func performRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitterAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMiddleware("secret-key")

	router := gin.New()
	router.POST("/analyses", m.SubmitterAuth(), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	w := performRequest(router, "POST", "/analyses", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(router, "POST", "/analyses", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(router, "POST", "/analyses", map[string]string{"X-API-Key": "secret-key"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSubmitterAuthOpenWhenUnconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMiddleware("")

	router := gin.New()
	router.POST("/analyses", m.SubmitterAuth(), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	w := performRequest(router, "POST", "/analyses", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAnalystAuthWithGeneratedJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMiddleware("")

	router := gin.New()
	router.GET("/rules", m.AnalystAuth(), m.RBAC("analyst"), func(c *gin.Context) {
		role, _ := c.Get("role")
		c.JSON(http.StatusOK, gin.H{"role": role})
	})

	w := performRequest(router, "GET", "/rules", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(router, "GET", "/rules", map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := m.GenerateJWT("user-1", "alice", "analyst")
	require.NoError(t, err)

	w = performRequest(router, "GET", "/rules", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, w.Code)

	// Admin role passes the analyst gate
	adminToken, err := m.GenerateJWT("user-2", "bob", "admin")
	require.NoError(t, err)
	w = performRequest(router, "GET", "/rules", map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusOK, w.Code)

	// Other roles do not
	viewerToken, err := m.GenerateJWT("user-3", "carol", "viewer")
	require.NoError(t, err)
	w = performRequest(router, "GET", "/rules", map[string]string{"Authorization": "Bearer " + viewerToken})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGenerateAPIKey(t *testing.T) {
	m := newTestMiddleware("")

	key := m.GenerateAPIKey()
	assert.Len(t, key, 64)
	assert.True(t, m.ValidateAPIKey(key))

	assert.False(t, m.ValidateAPIKey("short"))
	assert.False(t, m.ValidateAPIKey(key[:63]+"z"))
	assert.NotEqual(t, key, m.GenerateAPIKey())
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMiddleware("")

	router := gin.New()
	router.GET("/ping", m.RateLimit(3, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := performRequest(router, "GET", "/ping", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := performRequest(router, "GET", "/ping", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
