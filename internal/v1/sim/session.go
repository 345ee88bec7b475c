package sim

import (
	"strconv"
	"time"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// SessionConfig is the persisted session descriptor. It is everything
// needed to reconstruct a Simulation Instance on another node.
type SessionConfig struct {
	SessionId types.SessionIdType `json:"session_id"`
	Engine    types.EngineKind    `json:"engine"`
	ModelRef  string              `json:"model_path"`
	Width     int                 `json:"width"`
	Height    int                 `json:"height"`
	FPS       float64             `json:"fps"`
	Headless  bool                `json:"headless"`
	CreatedAt time.Time           `json:"created_at"`
}

// Validate checks a descriptor before it is persisted.
func (c SessionConfig) Validate() error {
	if c.SessionId == "" {
		return faults.New(faults.KindInvalidInput, "session_id is required")
	}
	if !types.ValidEngine(c.Engine) {
		return faults.Newf(faults.KindInvalidInput, "unknown engine %q", c.Engine)
	}
	if c.ModelRef == "" {
		return faults.New(faults.KindInvalidInput, "model_path is required")
	}
	if c.Width < 1 || c.Height < 1 {
		return faults.New(faults.KindInvalidInput, "render dimensions must be positive")
	}
	if c.FPS <= 0 {
		return faults.New(faults.KindInvalidInput, "fps must be positive")
	}
	return nil
}

func (c SessionConfig) toFields() map[string]interface{} {
	return map[string]interface{}{
		"session_id": string(c.SessionId),
		"engine":     string(c.Engine),
		"model_path": c.ModelRef,
		"width":      strconv.Itoa(c.Width),
		"height":     strconv.Itoa(c.Height),
		"fps":        strconv.FormatFloat(c.FPS, 'f', -1, 64),
		"headless":   strconv.FormatBool(c.Headless),
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func sessionFromFields(fields map[string]string) (SessionConfig, error) {
	cfg := SessionConfig{
		SessionId: types.SessionIdType(fields["session_id"]),
		Engine:    types.EngineKind(fields["engine"]),
		ModelRef:  fields["model_path"],
	}
	cfg.Width, _ = strconv.Atoi(fields["width"])
	cfg.Height, _ = strconv.Atoi(fields["height"])
	cfg.FPS, _ = strconv.ParseFloat(fields["fps"], 64)
	cfg.Headless = fields["headless"] == "true"
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		cfg.CreatedAt = ts
	}
	return cfg, cfg.Validate()
}

// Snapshot is the client-visible view of a session at a moment in time.
type Snapshot struct {
	SessionId  types.SessionIdType `json:"session_id"`
	Status     types.SessionStatus `json:"status"`
	Degraded   bool                `json:"degraded"`
	FrameIndex uint64              `json:"frame_index"`
	SimTime    float64             `json:"sim_time"`
	Engine     EngineState         `json:"engine"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func (s Snapshot) toFields() map[string]interface{} {
	return map[string]interface{}{
		"status":      string(s.Status),
		"degraded":    strconv.FormatBool(s.Degraded),
		"frame_index": strconv.FormatUint(s.FrameIndex, 10),
		"sim_time":    strconv.FormatFloat(s.SimTime, 'f', -1, 64),
		"updated_at":  s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func snapshotFromFields(id types.SessionIdType, fields map[string]string) Snapshot {
	snap := Snapshot{SessionId: id, Status: types.SessionStatus(fields["status"])}
	snap.Degraded = fields["degraded"] == "true"
	snap.FrameIndex, _ = strconv.ParseUint(fields["frame_index"], 10, 64)
	snap.SimTime, _ = strconv.ParseFloat(fields["sim_time"], 64)
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		snap.UpdatedAt = ts
	}
	return snap
}

// Substrate key layout for the simulation service.
func configKey(id types.SessionIdType) string { return "sim:config:" + string(id) }
func stateKey(id types.SessionIdType) string  { return "sim:state:" + string(id) }
func leaseKey(id types.SessionIdType) string  { return "sim:lease:" + string(id) }
func framesChannel(id types.SessionIdType) string {
	return "frames:" + string(id)
}
func execChannel(id types.SessionIdType) string { return "exec:" + string(id) }
func ctrlChannel(id types.SessionIdType) string { return "ctrl:" + string(id) }

const indexKey = "sim:index"
