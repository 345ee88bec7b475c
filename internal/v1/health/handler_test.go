package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestLiveness_AlwaysAlive(t *testing.T) {
	w := serve(t, NewHandler(&fakePinger{err: errors.New("down")}), "/health/live")

	// Liveness never consults dependencies.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_Healthy(t *testing.T) {
	w := serve(t, NewHandler(&fakePinger{}), "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"substrate":"healthy"`)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestReadiness_SubstrateDown(t *testing.T) {
	w := serve(t, NewHandler(&fakePinger{err: errors.New("connection refused")}), "/health/ready")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"substrate":"unhealthy"`)
	assert.Contains(t, w.Body.String(), `"status":"unavailable"`)
}

func TestReadiness_NilSubstrateIsHealthy(t *testing.T) {
	w := serve(t, NewHandler(nil), "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_LegacyRouteServesReadiness(t *testing.T) {
	w := serve(t, NewHandler(&fakePinger{}), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}
