package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func protected(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger())
	handlers := append(mw, func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextRoleKey))
	})
	r.GET("/x", handlers...)
	return r
}

func do(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	r := protected(APIKeyAuth("admin-key"))

	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", map[string]string{"X-API-Key": "nope"}).Code)

	w := do(r, "/x", map[string]string{"X-API-Key": "admin-key"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, auth.RoleAdmin, w.Body.String())
}

func TestAPIKeyAuth_BcryptHash(t *testing.T) {
	hash, err := auth.HashAPIKey("admin-key")
	require.NoError(t, err)
	r := protected(APIKeyAuth(hash))

	assert.Equal(t, http.StatusOK, do(r, "/x", map[string]string{"X-API-Key": "admin-key"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", map[string]string{"X-API-Key": hash}).Code)
}

func TestAPIKeyAuth_NotConfigured(t *testing.T) {
	r := protected(APIKeyAuth(""))
	assert.Equal(t, http.StatusServiceUnavailable, do(r, "/x", map[string]string{"X-API-Key": "x"}).Code)
}

func TestJWTAuth(t *testing.T) {
	token, _, err := auth.GenerateToken(auth.Config{JWTSecret: "s3cret", TokenExpiry: time.Hour}, "dash", auth.RoleViewer)
	require.NoError(t, err)

	r := protected(JWTAuth("s3cret"), RequireRole(auth.RoleViewer, auth.RoleAdmin))

	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", map[string]string{"Authorization": "Bearer junk"}).Code)
	assert.Equal(t, http.StatusOK, do(r, "/x", map[string]string{"Authorization": "Bearer " + token}).Code)
	assert.Equal(t, http.StatusOK, do(r, "/x?token="+token, nil).Code, "websocket clients pass the token as a query param")
}

func TestRequireRole(t *testing.T) {
	token, _, err := auth.GenerateToken(auth.Config{JWTSecret: "s3cret"}, "dash", auth.RoleViewer)
	require.NoError(t, err)

	r := protected(JWTAuth("s3cret"), RequireRole(auth.RoleAdmin))
	assert.Equal(t, http.StatusForbidden, do(r, "/x", map[string]string{"Authorization": "Bearer " + token}).Code)
}
