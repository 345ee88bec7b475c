// Package health serves the liveness and readiness probes every node
// binary exposes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

// Pinger is the slice of the substrate the probes need.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	sub Pinger
}

// NewHandler creates a health check handler over the substrate. A nil
// substrate (tests, tooling) reads as healthy.
func NewHandler(sub Pinger) *Handler {
	return &Handler{sub: sub}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// RegisterRoutes mounts the probe endpoints. GET /health keeps the
// legacy shape some dashboards still scrape.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Readiness)
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if the substrate answers a ping, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"substrate": h.checkSubstrate(ctx),
	}

	status := "healthy"
	statusCode := http.StatusOK
	if checks["substrate"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkSubstrate(ctx context.Context) string {
	if h.sub == nil {
		return "healthy"
	}
	if err := h.sub.Ping(ctx); err != nil {
		logging.Error(ctx, "Substrate health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

var _ Pinger = (*substrate.Service)(nil)
