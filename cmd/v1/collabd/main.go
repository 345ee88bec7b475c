// collabd runs the collaborative document service: CRDT merge, cross-
// node awareness fan-out and write-behind persistence.
package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/collab"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/config"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/node"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

func main() {
	node.Run(node.App{
		Name: "collabd",
		Register: func(ctx context.Context, cfg *config.Config, sub *substrate.Service, router *gin.Engine) (func(context.Context), error) {
			mgr := collab.NewManager(sub, types.NodeIdType(cfg.NodeID))
			collab.NewHandler(mgr).RegisterRoutes(router)
			return nil, nil
		},
	})
}
