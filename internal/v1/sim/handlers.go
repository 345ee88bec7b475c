package sim

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/auth"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Handler exposes the simulation service over HTTP and WebSocket.
type Handler struct {
	svc      *Service
	upgrader websocket.Upgrader
}

// NewHandler wires the HTTP surface around a Service.
func NewHandler(svc *Service) *Handler {
	allowed := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowed),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients (tests, CLIs) send no Origin.
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || a == "*" {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes mounts the simulation API under /v1.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/simulations/create", h.CreateSimulation)
	v1.GET("/simulations", h.ListSimulations)
	v1.DELETE("/simulations/:session_id", h.DeleteSimulation)
	v1.POST("/simulations/:session_id/execute", h.Execute)
	v1.GET("/simulations/:session_id/state", h.GetState)
	v1.GET("/simulations/:session_id/stream", h.Stream)
}

func writeFault(c *gin.Context, err error) {
	fe := faults.AsError(err)
	c.JSON(faults.HTTPStatus(fe.Kind), gin.H{
		"kind":      fe.Kind,
		"message":   fe.Message,
		"retriable": fe.Retriable,
	})
}

type createRequest struct {
	SessionId string  `json:"session_id" binding:"required"`
	Engine    string  `json:"engine" binding:"required"`
	ModelPath string  `json:"model_path" binding:"required"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FPS       float64 `json:"fps"`
	Headless  bool    `json:"headless"`
}

// CreateSimulation handles POST /v1/simulations/create.
func (h *Handler) CreateSimulation(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeFault(c, faults.Wrap(faults.KindInvalidInput, "invalid create request", err))
		return
	}
	cfg := SessionConfig{
		SessionId: types.SessionIdType(req.SessionId),
		Engine:    types.EngineKind(req.Engine),
		ModelRef:  req.ModelPath,
		Width:     req.Width,
		Height:    req.Height,
		FPS:       req.FPS,
		Headless:  req.Headless,
	}
	if err := h.svc.Create(c.Request.Context(), cfg); err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "created", "session_id": req.SessionId})
}

// ListSimulations handles GET /v1/simulations.
func (h *Handler) ListSimulations(c *gin.Context) {
	sessions, err := h.svc.List(c.Request.Context())
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"simulations": sessions})
}

// DeleteSimulation handles DELETE /v1/simulations/:session_id.
func (h *Handler) DeleteSimulation(c *gin.Context) {
	id := types.SessionIdType(c.Param("session_id"))
	status, err := h.svc.Delete(c.Request.Context(), id)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type executeRequest struct {
	Code       string `json:"code"`
	ModelPath  string `json:"model_path"`
	WorkingDir string `json:"working_dir"`
}

// Execute handles POST /v1/simulations/:session_id/execute.
func (h *Handler) Execute(c *gin.Context) {
	id := types.SessionIdType(c.Param("session_id"))
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeFault(c, faults.Wrap(faults.KindInvalidInput, "invalid execute request", err))
		return
	}
	result, err := h.svc.Execute(c.Request.Context(), id, req.Code)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetState handles GET /v1/simulations/:session_id/state.
func (h *Handler) GetState(c *gin.Context) {
	id := types.SessionIdType(c.Param("session_id"))
	snap, err := h.svc.GetState(c.Request.Context(), id)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Stream handles WS /v1/simulations/:session_id/stream. The server
// sends binary F1 frames plus text status/exec_result events; the
// client sends text control commands (play, pause, reset, step,
// set_fps <n>, ping).
func (h *Handler) Stream(c *gin.Context) {
	id := types.SessionIdType(c.Param("session_id"))

	fromFrame := uint64(0)
	if raw := c.Query("from_frame"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeFault(c, faults.New(faults.KindInvalidInput, "from_frame must be a non-negative integer"))
			return
		}
		fromFrame = parsed
	}

	sub, err := h.svc.SubscribeStream(c.Request.Context(), id, fromFrame)
	if err != nil {
		writeFault(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Unsubscribe()
		logging.Warn(c.Request.Context(), "Stream upgrade failed", zap.Error(err))
		return
	}

	metrics.IncConnection()
	session := newStreamSession(h.svc, conn, id, sub)
	session.run(c.Request.Context())
}

// streamSession pumps one stream WebSocket: a read loop for control
// commands and a write loop for frames and events. The write side is
// single-writer as gorilla requires.
type streamSession struct {
	svc  *Service
	conn *websocket.Conn
	id   types.SessionIdType
	sub  *Subscriber

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newStreamSession(svc *Service, conn *websocket.Conn, id types.SessionIdType, sub *Subscriber) *streamSession {
	return &streamSession{svc: svc, conn: conn, id: id, sub: sub, closed: make(chan struct{})}
}

func (s *streamSession) run(ctx context.Context) {
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))

	// Execution results for this session are forwarded as text events.
	s.svc.sub.Subscribe(execCtx, execChannel(s.id), nil, func(data []byte) {
		s.writeText(data)
	})

	go s.writePump(ctx)
	s.readPump(ctx)

	cancelExec()
	s.sub.Unsubscribe()
	metrics.DecConnection()
}

func (s *streamSession) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

const streamWriteTimeout = 10 * time.Second

func (s *streamSession) writeText(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.close()
	}
}

func (s *streamSession) writeBinary(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.close()
	}
}

func (s *streamSession) writePump(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			s.close()
			return
		case frame := <-s.sub.Frames:
			s.writeBinary(frame.EncodeBinary())
		case env := <-s.sub.Events:
			event, err := encodeStatusEvent(env)
			if err != nil {
				continue
			}
			s.writeText(event)
		}
	}
}

func (s *streamSession) readPump(ctx context.Context) {
	defer s.close()
	s.conn.SetReadLimit(1024)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleCommand(ctx, strings.TrimSpace(string(data)))
	}
}

func (s *streamSession) handleCommand(ctx context.Context, command string) {
	if command == "ping" {
		s.writeText([]byte(`{"type":"pong"}`))
		return
	}

	verb := command
	fps := 0.0
	if strings.HasPrefix(command, "set_fps") {
		parts := strings.Fields(command)
		if len(parts) != 2 {
			s.writeText([]byte(`{"type":"error","kind":"invalid_input","message":"usage: set_fps <n>"}`))
			return
		}
		parsed, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			s.writeText([]byte(`{"type":"error","kind":"invalid_input","message":"fps must be a number"}`))
			return
		}
		verb, fps = "set_fps", parsed
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.svc.SendControl(cmdCtx, s.id, verb, fps); err != nil {
		fe := faults.AsError(err)
		s.writeText([]byte(`{"type":"error","kind":"` + string(fe.Kind) + `","message":"` + fe.Message + `"}`))
	}
}

func encodeStatusEvent(env *streamEnvelope) ([]byte, error) {
	return json.Marshal(StatusEvent{
		Type:       "status",
		SessionId:  env.SessionId,
		Status:     env.Status,
		Degraded:   env.Degraded,
		FrameIndex: env.FrameIndex,
		SimTime:    env.SimTime,
	})
}
