package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/voltrust/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d should be within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst should be denied")

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, limiter.Allow("test-ip"), "token should have refilled")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.Allow("b")
	assert.Equal(t, 2, limiter.Clients())

	limiter.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, limiter.Clients())
}

func TestStop_Idempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestMiddleware(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 0.5, BurstSize: 2})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/cert/:serial", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/cert/VT-ENV-2026-000001", nil)
		if actor != "" {
			req.Header.Set(auth.HeaderActorID, actor)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get("").Code)
	assert.Equal(t, http.StatusOK, get("").Code)

	w := get("")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// Identified actors get their own bucket.
	assert.Equal(t, http.StatusOK, get("vol_1").Code)
}
