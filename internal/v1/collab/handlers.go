package collab

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/auth"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Binary WS protocol: every message starts with a one-byte type.
const (
	msgTypeSync      byte = 0 // CRDT update / full state
	msgTypeAwareness byte = 1 // cursor, selection, user metadata
)

// Handler exposes the document WebSocket endpoint.
type Handler struct {
	mgr      *Manager
	upgrader websocket.Upgrader
}

// NewHandler wires the WebSocket surface around a Manager.
func NewHandler(mgr *Manager) *Handler {
	allowed := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	return &Handler{
		mgr: mgr,
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

// RegisterRoutes mounts the document endpoint under /v1.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/documents/:workspace_id/*path", h.ServeWs)
}

// DocumentId derives the document key from (workspace, path).
func DocumentId(workspace, path string) types.DocIdType {
	return types.DocIdType(workspace + ":" + strings.TrimPrefix(path, "/"))
}

// ServeWs upgrades the connection and speaks the binary protocol: the
// server first sends the full encoded state as a sync message, then
// both sides exchange prefixed updates.
func (h *Handler) ServeWs(c *gin.Context) {
	docID := DocumentId(c.Param("workspace_id"), c.Param("path"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "Document upgrade failed", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	client, initial, err := h.mgr.Attach(ctx, docID, uuid.NewString())
	if err != nil {
		logging.Error(ctx, "Document attach failed", zap.String("docId", string(docID)), zap.Error(err))
		_ = conn.Close()
		return
	}
	metrics.IncConnection()

	writeWait := 10 * time.Second
	writeMsg := func(prefix byte, payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.BinaryMessage, append([]byte{prefix}, payload...))
	}

	if err := writeMsg(msgTypeSync, initial); err != nil {
		h.mgr.Detach(ctx, client)
		metrics.DecConnection()
		_ = conn.Close()
		return
	}

	// Write pump.
	go func() {
		for msg := range client.Outbound {
			prefix := msgTypeSync
			if msg.Kind == kindAwareness {
				prefix = msgTypeAwareness
			}
			if err := writeMsg(prefix, msg.Payload); err != nil {
				_ = conn.Close()
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	}()

	// Read loop.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		switch data[0] {
		case msgTypeSync:
			if err := h.mgr.ApplyLocal(ctx, client, data[1:]); err != nil {
				logging.Warn(ctx, "Rejected CRDT update", zap.String("docId", string(docID)), zap.Error(err))
			}
		case msgTypeAwareness:
			h.mgr.RelayAwareness(ctx, client, data[1:])
		}
	}

	h.mgr.Detach(ctx, client)
	metrics.DecConnection()
	_ = conn.Close()
}
