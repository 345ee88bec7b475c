// Package ratelimit enforces per-subject request budgets backed by the
// state substrate, falling back to local memory when no substrate is
// available (dev mode).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

// Route classes. HTTP API calls and WebSocket connection attempts draw
// from separate budgets.
const (
	ClassAPI = "api"
	ClassWS  = "ws"
)

// Limiter holds the per-class rate limiters. The API class rides the
// ulule limiter (substrate-backed when available); WebSocket connects
// use the substrate's atomic window counter so the budget holds across
// gateway nodes.
type Limiter struct {
	api    *limiter.Limiter
	wsRate limiter.Rate
	sub    *substrate.Service
}

// New builds a Limiter from the configured rate formats (e.g. "1000-M").
func New(cfg *config.Config, sub *substrate.Service) (*Limiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate %q: %w", cfg.RateLimitAPI, err)
	}
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWS)
	if err != nil {
		return nil, fmt.Errorf("invalid WS rate %q: %w", cfg.RateLimitWS, err)
	}

	var store limiter.Store
	if sub != nil {
		s, err := sredis.NewStoreWithOptions(sub.Client(), limiter.StoreOptions{
			Prefix: "rl:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create substrate store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using in-memory store")
	}

	return &Limiter{
		api:    limiter.New(store, apiRate),
		wsRate: wsRate,
		sub:    sub,
	}, nil
}

// APIMiddleware limits HTTP requests per subject (authenticated) or per
// client IP (anonymous). The limiter store failing admits the request;
// availability wins over strictness here.
func (l *Limiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := SubjectKey(c)
		lctx, err := l.api.Get(c.Request.Context(), key)
		if err != nil {
			logging.Error(c.Request.Context(), "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), ClassAPI).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWSConnect admits or rejects one WebSocket connection attempt for
// a subject, counting against rl:{subject}:ws in the substrate.
func (l *Limiter) CheckWSConnect(ctx context.Context, subject string) error {
	if l.sub == nil {
		return nil
	}
	count, err := l.sub.IncrWindow(ctx, "rl:"+subject+":"+ClassWS, l.wsRate.Period)
	if err != nil {
		logging.Error(ctx, "WS connect guard unavailable, admitting", zap.Error(err))
		return nil
	}
	if count > l.wsRate.Limit {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", ClassWS).Inc()
		return faults.New(faults.KindTooManyRequests, "websocket connection budget exceeded")
	}
	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return nil
}

// SubjectKey returns the rate-limit key for a request: the authenticated
// subject when auth ran, the client IP otherwise.
func SubjectKey(c *gin.Context) string {
	if v, ok := c.Get("subject"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}
