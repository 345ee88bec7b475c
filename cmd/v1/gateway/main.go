// gateway runs the edge: bearer auth with revocation, rate limiting,
// response caching and reverse proxying to the other services.
package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/auth"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/gateway"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/node"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

func main() {
	node.Run(node.App{
		Name: "gateway",
		Register: func(ctx context.Context, cfg *config.Config, sub *substrate.Service, router *gin.Engine) (func(context.Context), error) {
			validator, err := buildValidator(ctx, cfg)
			if err != nil {
				return nil, err
			}
			gw, err := gateway.New(cfg, sub, validator)
			if err != nil {
				return nil, err
			}
			gw.RegisterRoutes(router)
			return nil, nil
		},
	})
}

// buildValidator picks JWKS verification in production and the mock in
// development. Production with no issuer configured is a config error,
// not a silent fallback.
func buildValidator(ctx context.Context, cfg *config.Config) (gateway.TokenValidator, error) {
	if cfg.DevelopmentMode || cfg.SkipAuth {
		slog.Warn("Authentication running in development mode - DO NOT USE IN PRODUCTION")
		return &auth.MockValidator{}, nil
	}
	if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
		return nil, errors.New("AUTH_DOMAIN and AUTH_AUDIENCE must be set when not in development mode")
	}
	return auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
}
