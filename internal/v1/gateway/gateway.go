package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/ratelimit"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

// Gateway ties the edge middleware chain to the reverse proxy.
type Gateway struct {
	authn   *Authenticator
	limiter *ratelimit.Limiter
	cache   *responseCache
	proxy   *Proxy
}

// New assembles the gateway. The caller picks the validator: JWKS in
// production, the mock in development.
func New(cfg *config.Config, sub *substrate.Service, validator TokenValidator) (*Gateway, error) {
	limiter, err := ratelimit.New(cfg, sub)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	proxy, err := NewProxy(cfg.SimdURL, cfg.SignaldURL, cfg.CollabdURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	return &Gateway{
		authn:   NewAuthenticator(validator, sub),
		limiter: limiter,
		cache:   newResponseCache(sub, responseCacheCap),
		proxy:   proxy,
	}, nil
}

// RegisterRoutes mounts the proxied surface. Every request runs
// auth → rate limit → cache → proxy; WebSocket upgrades draw from the
// ws budget instead of the api one and bypass the cache.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	chain := []gin.HandlerFunc{
		g.authn.Middleware(),
		g.limitByClass(),
		g.cache.Middleware(),
		g.proxy.Handler,
	}
	for _, prefix := range []string{"/v1/simulations", "/v1/signaling", "/v1/documents"} {
		r.Any(prefix, chain...)
		r.Any(prefix+"/*rest", chain...)
	}
}

// limitByClass applies the ws budget to upgrade requests and the api
// budget to everything else.
func (g *Gateway) limitByClass() gin.HandlerFunc {
	api := g.limiter.APIMiddleware()
	return func(c *gin.Context) {
		if !isUpgrade(c.Request) {
			api(c)
			return
		}
		if err := g.limiter.CheckWSConnect(c.Request.Context(), ratelimit.SubjectKey(c)); err != nil {
			writeFault(c, err)
			return
		}
		c.Next()
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
