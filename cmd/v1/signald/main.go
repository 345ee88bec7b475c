// signald runs the WebRTC signaling relay: room membership, SDP and ICE
// routing across nodes, and node heartbeats.
package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/node"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/signaling"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

func main() {
	node.Run(node.App{
		Name: "signald",
		Register: func(ctx context.Context, cfg *config.Config, sub *substrate.Service, router *gin.Engine) (func(context.Context), error) {
			hub := signaling.NewHub(sub, types.NodeIdType(cfg.NodeID), cfg.HeartbeatInterval)
			hub.Start(ctx)
			signaling.NewHandler(hub).RegisterRoutes(router)
			return func(context.Context) { hub.Stop() }, nil
		},
	})
}
