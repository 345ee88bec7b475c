// simd runs the simulation service: session lifecycle, the per-session
// control loops, sandboxed code execution and frame streaming.
package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/node"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/sim"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

func main() {
	node.Run(node.App{
		Name: "simd",
		Register: func(ctx context.Context, cfg *config.Config, sub *substrate.Service, router *gin.Engine) (func(context.Context), error) {
			svc := sim.NewService(sub, sim.Options{
				NodeID:            cfg.NodeID,
				LeaseTTL:          cfg.LeaseTTL,
				ExecWallClock:     cfg.ExecWallClock,
				FrameBackpressure: cfg.FrameBackpressure,
			})
			sim.NewHandler(svc).RegisterRoutes(router)
			return svc.Shutdown, nil
		},
	})
}
