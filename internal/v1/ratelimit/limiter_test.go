package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

func newTestLimiter(t *testing.T, apiRate, wsRate string) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	sub, err := substrate.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	l, err := New(&config.Config{RateLimitAPI: apiRate, RateLimitWS: wsRate}, sub)
	require.NoError(t, err)
	return l, mr
}

func TestNew_MemoryFallback(t *testing.T) {
	l, err := New(&config.Config{RateLimitAPI: "10-M", RateLimitWS: "5-M"}, nil)
	require.NoError(t, err)
	assert.Nil(t, l.sub)
}

func TestNew_RejectsMalformedRates(t *testing.T) {
	_, err := New(&config.Config{RateLimitAPI: "lots", RateLimitWS: "5-M"}, nil)
	assert.Error(t, err)
	_, err = New(&config.Config{RateLimitAPI: "10-M", RateLimitWS: ""}, nil)
	assert.Error(t, err)
}

// With a budget of 5 per window, exactly 5 of 6 requests are admitted.
func TestAPIMiddleware_AdmitsWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, "5-M", "5-M")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.APIMiddleware())
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code, "request %d", i+1)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
}

func TestAPIMiddleware_KeysBySubjectWhenAuthenticated(t *testing.T) {
	l, _ := newTestLimiter(t, "2-M", "5-M")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("subject", c.GetHeader("X-Test-Subject"))
	})
	r.Use(l.APIMiddleware())
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Test-Subject", subject)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		return resp.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))

	// A different subject has its own budget.
	assert.Equal(t, http.StatusOK, send("bob"))
}

func TestCheckWSConnect_EnforcesBudget(t *testing.T) {
	l, _ := newTestLimiter(t, "100-M", "3-M")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckWSConnect(ctx, "user-1"), "connect %d", i+1)
	}

	err := l.CheckWSConnect(ctx, "user-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTooManyRequests))

	// Budgets are per subject.
	assert.NoError(t, l.CheckWSConnect(ctx, "user-2"))
}

func TestCheckWSConnect_WindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t, "100-M", "1-S")
	ctx := context.Background()

	require.NoError(t, l.CheckWSConnect(ctx, "user-1"))
	require.Error(t, l.CheckWSConnect(ctx, "user-1"))

	mr.FastForward(2 * time.Second)

	assert.NoError(t, l.CheckWSConnect(ctx, "user-1"))
}
