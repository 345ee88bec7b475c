package sim

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

type controlVerb string

const (
	verbPlay      controlVerb = "play"
	verbPause     controlVerb = "pause"
	verbReset     controlVerb = "reset"
	verbStep      controlVerb = "step"
	verbSetFPS    controlVerb = "set_fps"
	verbGetState  controlVerb = "get_state"
	verbTerminate controlVerb = "terminate"
)

type controlMsg struct {
	verb   controlVerb
	fps    float64
	action []float64
	// discard marks a terminate initiated by another node's Delete: the
	// session records are being removed there, so the loop must not
	// re-persist its snapshot on the way out.
	discard bool
	reply   chan controlReply
}

// ctrlSignal is the JSON shape published on ctrl:{session_id} so a
// Delete on any node reaches the owning loop.
type ctrlSignal struct {
	Verb   string `json:"verb"`
	Origin string `json:"origin"`
}

type controlReply struct {
	state EngineState
	snap  Snapshot
	err   error
}

// Instance is the in-memory runtime of one session: an engine handle
// plus the control loop that exclusively owns it. All external access
// goes through the control queue; nothing else touches the driver.
type Instance struct {
	cfg    SessionConfig
	sub    *substrate.Service
	nodeID string

	leaseTTL time.Duration
	driver   EngineDriver

	control chan controlMsg
	done    chan struct{}
	cancel  context.CancelFunc
	onStop  func(types.SessionIdType)

	execBusy atomic.Bool

	mu   sync.RWMutex
	snap Snapshot

	// Loop-confined state.
	renderInterval time.Duration
	lastRender     time.Time
	engine         EngineState
	reinitFailed   bool
}

func newInstance(cfg SessionConfig, driver EngineDriver, sub *substrate.Service, nodeID string, leaseTTL time.Duration, resumeFrame uint64, onStop func(types.SessionIdType)) *Instance {
	return &Instance{
		cfg:      cfg,
		sub:      sub,
		nodeID:   nodeID,
		leaseTTL: leaseTTL,
		driver:   driver,
		control:  make(chan controlMsg, 64),
		done:     make(chan struct{}),
		onStop:   onStop,
		snap: Snapshot{
			SessionId:  cfg.SessionId,
			Status:     types.SessionCreated,
			FrameIndex: resumeFrame,
		},
		renderInterval: time.Duration(float64(time.Second) / cfg.FPS),
	}
}

// start launches the control loop. The loop runs until terminate, lease
// loss, or ctx cancellation. The ctrl:{session_id} subscription lets a
// Delete issued on any node terminate the loop here.
func (in *Instance) start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.sub.Subscribe(loopCtx, ctrlChannel(in.cfg.SessionId), nil, func(data []byte) {
		in.handleCtrlSignal(data)
	})
	metrics.ActiveSessions.Inc()
	go in.run(loopCtx)
}

// handleCtrlSignal maps a cluster terminate onto the control queue.
// Signals from this node are ignored; the local Delete path already
// went through stop.
func (in *Instance) handleCtrlSignal(data []byte) {
	var sig ctrlSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return
	}
	if sig.Verb != string(verbTerminate) || sig.Origin == in.nodeID {
		return
	}
	select {
	case in.control <- controlMsg{verb: verbTerminate, discard: true}:
	case <-in.done:
	}
}

// Snapshot returns the latest observed state without touching the loop.
func (in *Instance) Snapshot() Snapshot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.snap
}

// request enqueues a control message and waits for the loop's reply.
func (in *Instance) request(ctx context.Context, msg controlMsg) (controlReply, error) {
	msg.reply = make(chan controlReply, 1)
	select {
	case in.control <- msg:
	case <-in.done:
		return controlReply{}, faults.New(faults.KindUnavailable, "simulation instance stopped")
	case <-ctx.Done():
		return controlReply{}, faults.Wrap(faults.KindDeadlineExceeded, "control queue send", ctx.Err())
	}
	select {
	case rep := <-msg.reply:
		return rep, rep.err
	case <-in.done:
		return controlReply{}, faults.New(faults.KindUnavailable, "simulation instance stopped")
	case <-ctx.Done():
		return controlReply{}, faults.Wrap(faults.KindDeadlineExceeded, "control reply wait", ctx.Err())
	}
}

// stop terminates the loop and waits for it to exit.
func (in *Instance) stop(ctx context.Context) {
	_, _ = in.request(ctx, controlMsg{verb: verbTerminate})
	select {
	case <-in.done:
	case <-ctx.Done():
		in.cancel()
	}
}

func (in *Instance) run(ctx context.Context) {
	defer func() {
		// Ends the ctrl channel subscription along with the loop.
		in.cancel()
		in.driver.Dispose()
		metrics.ActiveSessions.Dec()
		close(in.done)
		if in.onStop != nil {
			in.onStop(in.cfg.SessionId)
		}
	}()

	ticker := time.NewTicker(in.driver.Timestep())
	defer ticker.Stop()
	renew := time.NewTicker(in.leaseTTL / 3)
	defer renew.Stop()

	in.persist(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case <-renew.C:
			held, err := in.sub.RenewLease(ctx, leaseKey(in.cfg.SessionId), in.nodeID, in.leaseTTL)
			if err != nil || !held {
				// Lease lost: another node may own the session now. Stop
				// stepping and drop the in-memory instance; substrate
				// keys stay for the next holder.
				logging.Warn(ctx, "Session lease lost, stopping control loop",
					zap.String("session_id", string(in.cfg.SessionId)), zap.Error(err))
				return
			}

		case msg := <-in.control:
			if in.applyControl(ctx, msg) {
				in.releaseOwnership(ctx)
				return
			}

		case <-ticker.C:
			if in.tick(ctx) {
				in.releaseOwnership(ctx)
				return
			}
		}
	}
}

// releaseOwnership frees the session lease after a clean terminate.
// Lease-loss and shutdown exits skip this: the lease either moved to
// another node already or must lapse for takeover.
func (in *Instance) releaseOwnership(ctx context.Context) {
	if err := in.sub.ReleaseLease(ctx, leaseKey(in.cfg.SessionId), in.nodeID); err != nil {
		logging.Warn(ctx, "Failed to release session lease",
			zap.String("session_id", string(in.cfg.SessionId)), zap.Error(err))
	}
}

// tick runs one control-loop cycle: drain pending control messages,
// advance physics if running, render at the configured FPS. Returns
// true when a drained terminate ends the loop.
func (in *Instance) tick(ctx context.Context) bool {
	started := time.Now()
	defer func() {
		metrics.ControlTickDuration.Observe(time.Since(started).Seconds())
	}()

	for {
		select {
		case msg := <-in.control:
			if in.applyControl(ctx, msg) {
				return true
			}
			continue
		default:
		}
		break
	}

	snap := in.Snapshot()
	if snap.Status != types.SessionRunning {
		return false
	}
	if snap.Degraded && in.reinitFailed {
		// Recovery already failed this incident; stop driving the
		// engine until a reset or external intervention.
		return false
	}

	// Free-running ticks pass no actuator command; the driver latches
	// the last explicit one.
	if err := in.driverOp(ctx, "step", func() error {
		state, err := in.driver.Step(ctx, nil)
		if err != nil {
			return err
		}
		in.engine = state
		return nil
	}); err != nil {
		return false
	}
	in.advance(in.engine)

	if time.Since(in.lastRender) < in.renderInterval {
		return false
	}
	var image []byte
	if err := in.driverOp(ctx, "render", func() error {
		var err error
		image, err = in.driver.Render(ctx)
		return err
	}); err != nil {
		return false
	}
	if len(image) == 0 {
		// A zero-size frame is never emitted.
		return false
	}
	in.lastRender = time.Now()
	in.publishFrame(ctx, image)
	in.persist(ctx)
	return false
}

func (in *Instance) publishFrame(ctx context.Context, image []byte) {
	in.mu.Lock()
	in.snap.FrameIndex++
	frame := &Frame{
		SessionId:  in.cfg.SessionId,
		FrameIndex: in.snap.FrameIndex,
		SimTime:    in.snap.SimTime,
		ProducedAt: time.Now().UTC(),
		Image:      image,
	}
	in.mu.Unlock()

	payload, err := encodeFrameEnvelope(frame)
	if err != nil {
		logging.Error(ctx, "Failed to encode frame envelope", zap.Error(err))
		return
	}
	if err := in.sub.Publish(ctx, framesChannel(in.cfg.SessionId), payload); err != nil {
		logging.Warn(ctx, "Failed to publish frame",
			zap.String("session_id", string(in.cfg.SessionId)), zap.Error(err))
		return
	}
	metrics.FramesPublished.WithLabelValues(string(in.cfg.SessionId)).Inc()
}

// applyControl processes one control message. Returns true when the
// loop must exit.
func (in *Instance) applyControl(ctx context.Context, msg controlMsg) bool {
	reply := func(rep controlReply) {
		if msg.reply != nil {
			msg.reply <- rep
		}
	}

	snap := in.Snapshot()
	if snap.Status == types.SessionTerminated && msg.verb != verbGetState {
		reply(controlReply{err: faults.Newf(faults.KindInvalidTransition, "%s on terminated session", msg.verb)})
		return false
	}

	switch msg.verb {
	case verbPlay:
		in.setStatus(types.SessionRunning)
		in.announce(ctx)
		reply(controlReply{snap: in.Snapshot()})

	case verbPause:
		in.setStatus(types.SessionPaused)
		in.announce(ctx)
		reply(controlReply{snap: in.Snapshot()})

	case verbReset:
		err := in.driverOp(ctx, "reset", func() error {
			state, err := in.driver.Reset(ctx)
			if err != nil {
				return err
			}
			in.engine = state
			return nil
		})
		if err != nil {
			reply(controlReply{err: err})
			return false
		}
		in.mu.Lock()
		in.snap.FrameIndex = 0
		in.snap.SimTime = 0
		in.snap.Engine = in.engine
		in.snap.UpdatedAt = time.Now().UTC()
		in.mu.Unlock()
		in.announce(ctx)
		reply(controlReply{state: in.engine, snap: in.Snapshot()})

	case verbStep:
		err := in.driverOp(ctx, "step", func() error {
			state, err := in.driver.Step(ctx, msg.action)
			if err != nil {
				return err
			}
			in.engine = state
			return nil
		})
		if err != nil {
			reply(controlReply{err: err})
			return false
		}
		in.advance(in.engine)
		reply(controlReply{state: in.engine, snap: in.Snapshot()})

	case verbSetFPS:
		if msg.fps <= 0 {
			reply(controlReply{err: faults.New(faults.KindInvalidInput, "fps must be positive")})
			return false
		}
		in.renderInterval = time.Duration(float64(time.Second) / msg.fps)
		reply(controlReply{snap: in.Snapshot()})

	case verbGetState:
		reply(controlReply{state: in.engine, snap: in.Snapshot()})

	case verbTerminate:
		in.setStatus(types.SessionTerminated)
		if msg.discard {
			// The deleting node removes the session records; publish the
			// transition but drop the snapshot, including one a racing
			// tick may have written after the remote Del.
			in.publishStatus(ctx)
			if err := in.sub.Del(ctx, stateKey(in.cfg.SessionId)); err != nil {
				logging.Warn(ctx, "Failed to drop session snapshot",
					zap.String("session_id", string(in.cfg.SessionId)), zap.Error(err))
			}
		} else {
			in.announce(ctx)
		}
		reply(controlReply{snap: in.Snapshot()})
		return true

	default:
		reply(controlReply{err: faults.Newf(faults.KindInvalidInput, "unknown control verb %q", msg.verb)})
	}
	return false
}

// driverOp wraps an engine call with the recovery policy: on failure,
// mark the instance Degraded and attempt exactly one re-initialization
// per incident. A second failure leaves the instance Degraded with
// stepping suspended until reset.
func (in *Instance) driverOp(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	logging.Error(ctx, "Engine driver call failed",
		zap.String("session_id", string(in.cfg.SessionId)),
		zap.String("op", op), zap.Error(err))
	in.setDegraded(true)
	in.announce(ctx)

	if in.reinitFailed {
		return faults.Wrap(faults.KindDegraded, "engine degraded", err)
	}

	if rerr := in.reinit(ctx); rerr != nil {
		in.reinitFailed = true
		logging.Error(ctx, "Engine re-initialization failed",
			zap.String("session_id", string(in.cfg.SessionId)), zap.Error(rerr))
		return faults.Wrap(faults.KindDegraded, "engine recovery failed", rerr)
	}
	if err = fn(); err != nil {
		in.reinitFailed = true
		return faults.Wrap(faults.KindDegraded, "engine failed after recovery", err)
	}

	in.reinitFailed = false
	in.setDegraded(false)
	in.announce(ctx)
	logging.Info(ctx, "Engine recovered after re-initialization",
		zap.String("session_id", string(in.cfg.SessionId)))
	return nil
}

func (in *Instance) reinit(ctx context.Context) error {
	in.driver.Dispose()
	fresh, err := NewDriver(in.cfg.Engine)
	if err != nil {
		return err
	}
	fresh = guardDriver(fresh)
	if err := fresh.Load(ctx, in.cfg.ModelRef, in.cfg.Width, in.cfg.Height, in.cfg.Headless); err != nil {
		return err
	}
	state, err := fresh.Reset(ctx)
	if err != nil {
		return err
	}
	in.driver = fresh
	in.engine = state
	return nil
}

func (in *Instance) setStatus(status types.SessionStatus) {
	in.mu.Lock()
	in.snap.Status = status
	in.snap.UpdatedAt = time.Now().UTC()
	in.mu.Unlock()
}

func (in *Instance) setDegraded(degraded bool) {
	in.mu.Lock()
	in.snap.Degraded = degraded
	in.snap.UpdatedAt = time.Now().UTC()
	in.mu.Unlock()
}

func (in *Instance) advance(state EngineState) {
	in.mu.Lock()
	in.snap.SimTime = state.SimTime
	in.snap.Engine = state
	in.snap.UpdatedAt = time.Now().UTC()
	in.mu.Unlock()
}

// announce persists the snapshot and publishes a status envelope so
// stream subscribers see every state transition.
func (in *Instance) announce(ctx context.Context) {
	in.persist(ctx)
	in.publishStatus(ctx)
}

func (in *Instance) publishStatus(ctx context.Context) {
	snap := in.Snapshot()
	payload, err := encodeStatusEnvelope(in.cfg.SessionId, snap)
	if err != nil {
		return
	}
	if err := in.sub.Publish(ctx, framesChannel(in.cfg.SessionId), payload); err != nil {
		logging.Warn(ctx, "Failed to publish status envelope",
			zap.String("session_id", string(in.cfg.SessionId)), zap.Error(err))
	}
}

func (in *Instance) persist(ctx context.Context) {
	snap := in.Snapshot()
	if err := in.sub.HSet(ctx, stateKey(in.cfg.SessionId), snap.toFields(), 0); err != nil {
		logging.Warn(ctx, "Failed to persist session snapshot",
			zap.String("session_id", string(in.cfg.SessionId)), zap.Error(err))
	}
}
