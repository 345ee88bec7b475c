package sim

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Options tunes the service per deployment.
type Options struct {
	NodeID            string
	LeaseTTL          time.Duration
	ExecWallClock     time.Duration
	FrameBackpressure int
}

// Service owns every Simulation Instance on this node and the substrate
// records that make sessions visible cluster-wide.
type Service struct {
	sub  *substrate.Service
	opts Options

	router *streamRouter

	mu        sync.Mutex
	instances map[types.SessionIdType]*Instance
}

// NewService wires a simulation service against the substrate.
func NewService(sub *substrate.Service, opts Options) *Service {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	if opts.ExecWallClock <= 0 {
		opts.ExecWallClock = time.Minute
	}
	return &Service{
		sub:       sub,
		opts:      opts,
		router:    newStreamRouter(sub, opts.FrameBackpressure),
		instances: make(map[types.SessionIdType]*Instance),
	}
}

// Create persists the session descriptor, acquires the ownership lease
// and starts the control loop. A session whose lease is held elsewhere
// yields AlreadyExists; a dead holder's session is taken over once its
// lease expires (the prior descriptor is reused by Restore, not here).
func (s *Service) Create(ctx context.Context, cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	if _, ok := s.instances[cfg.SessionId]; ok {
		s.mu.Unlock()
		return faults.Newf(faults.KindAlreadyExists, "session %s already exists", cfg.SessionId)
	}
	s.mu.Unlock()

	won, err := s.sub.AcquireLease(ctx, leaseKey(cfg.SessionId), s.opts.NodeID, s.opts.LeaseTTL)
	if err != nil {
		return err
	}
	if !won {
		return faults.Newf(faults.KindAlreadyExists, "session %s already exists", cfg.SessionId)
	}

	driver, err := NewDriver(cfg.Engine)
	if err != nil {
		s.releaseLease(ctx, cfg.SessionId)
		return err
	}
	driver = guardDriver(driver)
	if err := driver.Load(ctx, cfg.ModelRef, cfg.Width, cfg.Height, cfg.Headless); err != nil {
		s.releaseLease(ctx, cfg.SessionId)
		return faults.Wrap(faults.KindInvalidInput, "model load failed", err)
	}

	// Takeover resumes frame numbering where the dead holder stopped,
	// keeping frame_index monotonic across the crash.
	resumeFrame := s.persistedFrameIndex(ctx, cfg.SessionId)

	if err := s.sub.HSet(ctx, configKey(cfg.SessionId), cfg.toFields(), 0); err != nil {
		driver.Dispose()
		s.releaseLease(ctx, cfg.SessionId)
		return err
	}
	if err := s.sub.SetAdd(ctx, indexKey, string(cfg.SessionId)); err != nil {
		logging.Warn(ctx, "Failed to index session", zap.String("session_id", string(cfg.SessionId)), zap.Error(err))
	}

	s.startInstance(ctx, cfg, driver, resumeFrame)
	logging.Info(ctx, "Created session",
		zap.String("session_id", string(cfg.SessionId)),
		zap.String("engine", string(cfg.Engine)),
		zap.Float64("fps", cfg.FPS))
	return nil
}

func (s *Service) startInstance(ctx context.Context, cfg SessionConfig, driver EngineDriver, resumeFrame uint64) *Instance {
	in := newInstance(cfg, driver, s.sub, s.opts.NodeID, s.opts.LeaseTTL, resumeFrame, s.dropInstance)
	s.mu.Lock()
	s.instances[cfg.SessionId] = in
	s.mu.Unlock()
	in.start(context.WithoutCancel(ctx))
	return in
}

func (s *Service) dropInstance(id types.SessionIdType) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

func (s *Service) releaseLease(ctx context.Context, id types.SessionIdType) {
	if err := s.sub.ReleaseLease(ctx, leaseKey(id), s.opts.NodeID); err != nil {
		logging.Warn(ctx, "Failed to release lease", zap.String("session_id", string(id)), zap.Error(err))
	}
}

func (s *Service) persistedFrameIndex(ctx context.Context, id types.SessionIdType) uint64 {
	fields, err := s.sub.HGetAll(ctx, stateKey(id))
	if err != nil || len(fields) == 0 {
		return 0
	}
	return snapshotFromFields(id, fields).FrameIndex
}

// Delete tears the session down everywhere. Idempotent: deleting an
// absent session reports "absent" and mutates nothing.
func (s *Service) Delete(ctx context.Context, id types.SessionIdType) (string, error) {
	existed, err := s.sub.Exists(ctx, configKey(id))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	in, local := s.instances[id]
	s.mu.Unlock()
	if local {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		in.stop(stopCtx)
		cancel()
	}

	if !existed {
		return "absent", nil
	}

	// Another node may own the loop. Terminate travels over the session
	// control channel; the owner stops stepping and releases its lease.
	if sig, err := json.Marshal(ctrlSignal{Verb: string(verbTerminate), Origin: s.opts.NodeID}); err == nil {
		if perr := s.sub.Publish(ctx, ctrlChannel(id), sig); perr != nil {
			logging.Warn(ctx, "Failed to publish terminate signal",
				zap.String("session_id", string(id)), zap.Error(perr))
		}
	}

	s.releaseLease(ctx, id)
	if err := s.sub.Del(ctx, configKey(id), stateKey(id)); err != nil {
		return "", err
	}
	if err := s.sub.SetRem(ctx, indexKey, string(id)); err != nil {
		logging.Warn(ctx, "Failed to unindex session", zap.String("session_id", string(id)), zap.Error(err))
	}
	logging.Info(ctx, "Deleted session", zap.String("session_id", string(id)))
	return "deleted", nil
}

// List returns the descriptors of every session known to the cluster.
func (s *Service) List(ctx context.Context) ([]SessionConfig, error) {
	ids, err := s.sub.SetMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	out := make([]SessionConfig, 0, len(ids))
	for _, id := range ids {
		fields, err := s.sub.HGetAll(ctx, configKey(types.SessionIdType(id)))
		if err != nil || len(fields) == 0 {
			continue
		}
		cfg, err := sessionFromFields(fields)
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Execute runs user code against the session's single execution slot.
// A second execute while one is in flight is rejected with Busy and
// leaves the slot unmodified.
func (s *Service) Execute(ctx context.Context, id types.SessionIdType, code string) (*ExecutionResult, error) {
	in, err := s.instance(ctx, id)
	if err != nil {
		return nil, err
	}

	if !in.execBusy.CompareAndSwap(false, true) {
		return nil, faults.Newf(faults.KindBusy, "execution already in flight for session %s", id)
	}
	defer in.execBusy.Store(false)

	execCtx, cancel := context.WithTimeout(ctx, s.opts.ExecWallClock)
	defer cancel()

	result := runSandbox(execCtx, code, instanceControl{in: in})
	metrics.ExecutionsTotal.WithLabelValues(result.Status).Inc()

	// Results ride exec:{session_id} strictly after the frames their
	// execution produced; both go through the same substrate.
	payload, err := json.Marshal(execEvent{Type: "exec_result", SessionId: id, Result: result})
	if err == nil {
		if perr := s.sub.Publish(ctx, execChannel(id), payload); perr != nil {
			logging.Warn(ctx, "Failed to publish execution result", zap.String("session_id", string(id)), zap.Error(perr))
		}
	}
	return &result, nil
}

// execEvent is the JSON envelope on exec:{session_id} and the text
// event shape forwarded to stream WebSockets.
type execEvent struct {
	Type      string              `json:"type"`
	SessionId types.SessionIdType `json:"session_id"`
	Result    ExecutionResult     `json:"result"`
}

// GetState reports the session snapshot. Served from the live instance
// when this node owns it, otherwise from the persisted snapshot
// (possibly stale, flagged Degraded by the owner if so).
func (s *Service) GetState(ctx context.Context, id types.SessionIdType) (Snapshot, error) {
	s.mu.Lock()
	in, local := s.instances[id]
	s.mu.Unlock()
	if local {
		return in.Snapshot(), nil
	}

	exists, err := s.sub.Exists(ctx, configKey(id))
	if err != nil {
		return Snapshot{}, err
	}
	if !exists {
		return Snapshot{}, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}

	// Opportunistic takeover: if the owner is gone the lease is free
	// and this node can revive the loop before answering.
	if in, err := s.restore(ctx, id); err == nil {
		return in.Snapshot(), nil
	}

	fields, err := s.sub.HGetAll(ctx, stateKey(id))
	if err != nil {
		return Snapshot{}, err
	}
	if len(fields) == 0 {
		return Snapshot{SessionId: id, Status: types.SessionCreated}, nil
	}
	return snapshotFromFields(id, fields), nil
}

// SubscribeStream attaches a frame subscriber, optionally starting at
// fromFrame. The stream is restartable: a reconnecting client passes
// the last frame_index it saw.
func (s *Service) SubscribeStream(ctx context.Context, id types.SessionIdType, fromFrame uint64) (*Subscriber, error) {
	exists, err := s.sub.Exists(ctx, configKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}
	// Revive the loop if the previous owner died; subscribers expect
	// frames to flow.
	s.mu.Lock()
	_, local := s.instances[id]
	s.mu.Unlock()
	if !local {
		if _, err := s.restore(ctx, id); err != nil && !faults.Is(err, faults.KindAlreadyExists) {
			logging.Warn(ctx, "Stream subscribe could not revive session",
				zap.String("session_id", string(id)), zap.Error(err))
		}
	}
	return s.router.Subscribe(ctx, id, fromFrame), nil
}

// SendControl applies one control verb to the session.
func (s *Service) SendControl(ctx context.Context, id types.SessionIdType, verb string, fps float64) (Snapshot, error) {
	in, err := s.instance(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	msg := controlMsg{fps: fps}
	switch controlVerb(verb) {
	case verbPlay, verbPause, verbReset, verbStep, verbSetFPS:
		msg.verb = controlVerb(verb)
	default:
		return Snapshot{}, faults.Newf(faults.KindInvalidInput, "unknown control verb %q", verb)
	}

	rep, err := in.request(ctx, msg)
	if err != nil {
		return Snapshot{}, err
	}
	return rep.snap, nil
}

// instance returns the live local instance, reviving the session from
// its persisted descriptor when this node can win the lease.
func (s *Service) instance(ctx context.Context, id types.SessionIdType) (*Instance, error) {
	s.mu.Lock()
	in, ok := s.instances[id]
	s.mu.Unlock()
	if ok {
		return in, nil
	}
	return s.restore(ctx, id)
}

// restore rebuilds a Simulation Instance from the persisted descriptor
// plus the last persisted frame index (crash takeover).
func (s *Service) restore(ctx context.Context, id types.SessionIdType) (*Instance, error) {
	fields, err := s.sub.HGetAll(ctx, configKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}
	cfg, err := sessionFromFields(fields)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "corrupt session descriptor", err)
	}

	won, err := s.sub.AcquireLease(ctx, leaseKey(id), s.opts.NodeID, s.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, faults.Newf(faults.KindUnavailable, "session %s is owned by another node", id)
	}

	driver, err := NewDriver(cfg.Engine)
	if err != nil {
		s.releaseLease(ctx, id)
		return nil, err
	}
	driver = guardDriver(driver)
	if err := driver.Load(ctx, cfg.ModelRef, cfg.Width, cfg.Height, cfg.Headless); err != nil {
		s.releaseLease(ctx, id)
		return nil, faults.Wrap(faults.KindInternal, "model load failed during takeover", err)
	}

	resumeFrame := s.persistedFrameIndex(ctx, id)
	in := s.startInstance(ctx, cfg, driver, resumeFrame)
	logging.Info(ctx, "Revived session from persisted descriptor",
		zap.String("session_id", string(id)), zap.Uint64("resume_frame", resumeFrame))
	return in, nil
}

// Shutdown stops every local control loop without deleting substrate
// state; leases lapse and another node takes the sessions over.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		instances = append(instances, in)
	}
	s.mu.Unlock()
	for _, in := range instances {
		in.cancel()
		select {
		case <-in.done:
		case <-ctx.Done():
		}
	}
}
