package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voltrust/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	r.Use(mw...)
	r.GET("/whoami", func(c *gin.Context) {
		a, _ := GetActor(c)
		c.JSON(http.StatusOK, gin.H{
			"id":       a.ID,
			"role":     a.Role,
			"ctxActor": logging.ActorID(c.Request.Context()),
		})
	})
	return r
}

func do(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsActor(t *testing.T) {
	w := do(newRouter(), map[string]string{HeaderActorID: "org_7", HeaderActorRole: "Organization"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"org_7"`)
	assert.Contains(t, w.Body.String(), `"role":"organization"`)
	assert.Contains(t, w.Body.String(), `"ctxActor":"org_7"`)
}

func TestMiddleware_AdminRoleNotSelfAssigned(t *testing.T) {
	w := do(newRouter(), map[string]string{HeaderActorID: "vol_1", HeaderActorRole: "admin"})
	assert.Contains(t, w.Body.String(), `"role":"volunteer"`)
}

func TestRequireActor(t *testing.T) {
	r := newRouter(RequireActor())
	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{HeaderActorID: "vol_1"}).Code)
}

func TestRequireAdmin_DemoMode(t *testing.T) {
	r := newRouter(RequireAdmin(""))

	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)

	w := do(r, map[string]string{HeaderActorID: "admin_1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)
}

func TestRequireAdmin_WithSecret(t *testing.T) {
	r := newRouter(RequireAdmin("supersecret123"))

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"correct secret", map[string]string{HeaderActorID: "admin_1", HeaderAdminSecret: "supersecret123"}, http.StatusOK},
		{"wrong secret", map[string]string{HeaderActorID: "admin_1", HeaderAdminSecret: "wrongsecret"}, http.StatusForbidden},
		{"missing secret", map[string]string{HeaderActorID: "admin_1"}, http.StatusForbidden},
		{"missing actor", map[string]string{HeaderAdminSecret: "supersecret123"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(r, tt.headers).Code)
		})
	}
}
