package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// EngineState is the observable physics state returned by driver calls.
type EngineState struct {
	Positions  []float64 `json:"positions"`
	Velocities []float64 `json:"velocities"`
	SimTime    float64   `json:"sim_time"`
}

// EngineDriver is the minimal capability set the service needs from a
// physics backend. A driver instance is owned by exactly one control
// loop; no call is made concurrently.
type EngineDriver interface {
	// Load prepares the backend for the given model. Must be called
	// before any other method.
	Load(ctx context.Context, modelRef string, width, height int, headless bool) error
	// Reset returns the engine to its initial state.
	Reset(ctx context.Context) (EngineState, error)
	// Step advances physics by one timestep, applying action as the
	// actuator command.
	Step(ctx context.Context, action []float64) (EngineState, error)
	// Render produces an encoded image of the current state. Never
	// returns an empty byte slice on success.
	Render(ctx context.Context) ([]byte, error)
	// Timestep is the physics step interval the control loop ticks at.
	Timestep() time.Duration
	// Dispose releases backend resources. Idempotent.
	Dispose()
}

// DriverFactory builds a fresh, unloaded driver instance.
type DriverFactory func() EngineDriver

var (
	driverMu sync.RWMutex
	drivers  = make(map[types.EngineKind]DriverFactory)
)

// RegisterDriver makes a driver factory available under an engine kind.
// Later registrations replace earlier ones.
func RegisterDriver(kind types.EngineKind, factory DriverFactory) {
	driverMu.Lock()
	defer driverMu.Unlock()
	drivers[kind] = factory
}

// NewDriver instantiates a driver for the given engine kind.
func NewDriver(kind types.EngineKind) (EngineDriver, error) {
	driverMu.RLock()
	factory, ok := drivers[kind]
	driverMu.RUnlock()
	if !ok {
		return nil, faults.Newf(faults.KindInvalidInput, "unknown engine kind %q", kind)
	}
	return factory(), nil
}

// driverCallTimeout bounds every individual driver call. Engines are
// treated as blocking foreign code; a hung call must not wedge the
// control loop forever.
const driverCallTimeout = 2 * time.Second

// guardedDriver wraps each call with a per-call deadline, dispatching
// the blocking work onto a worker goroutine owned by the wrapper.
type guardedDriver struct {
	inner   EngineDriver
	timeout time.Duration
}

func guardDriver(inner EngineDriver) EngineDriver {
	return &guardedDriver{inner: inner, timeout: driverCallTimeout}
}

func (g *guardedDriver) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return faults.Wrap(faults.KindDeadlineExceeded, fmt.Sprintf("engine %s call exceeded deadline", op), callCtx.Err())
	}
}

func (g *guardedDriver) Load(ctx context.Context, modelRef string, width, height int, headless bool) error {
	return g.call(ctx, "load", func(ctx context.Context) error {
		return g.inner.Load(ctx, modelRef, width, height, headless)
	})
}

func (g *guardedDriver) Reset(ctx context.Context) (EngineState, error) {
	var state EngineState
	err := g.call(ctx, "reset", func(ctx context.Context) error {
		var err error
		state, err = g.inner.Reset(ctx)
		return err
	})
	return state, err
}

func (g *guardedDriver) Step(ctx context.Context, action []float64) (EngineState, error) {
	var state EngineState
	err := g.call(ctx, "step", func(ctx context.Context) error {
		var err error
		state, err = g.inner.Step(ctx, action)
		return err
	})
	return state, err
}

func (g *guardedDriver) Render(ctx context.Context) ([]byte, error) {
	var frame []byte
	err := g.call(ctx, "render", func(ctx context.Context) error {
		var err error
		frame, err = g.inner.Render(ctx)
		return err
	})
	return frame, err
}

func (g *guardedDriver) Timestep() time.Duration { return g.inner.Timestep() }

func (g *guardedDriver) Dispose() { g.inner.Dispose() }
