package signaling

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/auth"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Handler exposes the signaling WebSocket endpoint.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler wires the WebSocket surface around a Hub.
func NewHandler(hub *Hub) *Handler {
	allowed := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, a := range allowed {
					if strings.EqualFold(a, origin) || a == "*" {
						return true
					}
				}
				return false
			},
		},
	}
}

// RegisterRoutes mounts the signaling endpoint under /v1.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/signaling", h.ServeWs)
}

// ServeWs upgrades the connection and hands it to the hub. The client
// identity is generated at connect and returned in the welcome
// envelope.
func (h *Handler) ServeWs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "Signaling upgrade failed", zap.Error(err))
		return
	}

	clientID := types.ClientIdType(uuid.NewString())
	client := h.hub.Register(c.Request.Context(), clientID, conn)

	go client.writePump()
	go client.readPump()
}
