package sim

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"time"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Built-in deterministic drivers stand in for the real MuJoCo and
// PyBullet backends, which run out-of-process. They integrate a damped
// pendulum so state evolution and rendering are reproducible in tests
// and in engine-less deployments.

func init() {
	RegisterDriver(types.EngineMuJoCo, func() EngineDriver {
		return newBuiltinDriver(2 * time.Millisecond)
	})
	RegisterDriver(types.EnginePyBullet, func() EngineDriver {
		return newBuiltinDriver(time.Second / 240)
	})
}

type builtinDriver struct {
	timestep time.Duration
	width    int
	height   int
	loaded   bool

	// Pendulum state: angle, angular velocity.
	theta    float64
	omega    float64
	simTime  float64
	lastCtrl float64
}

func newBuiltinDriver(timestep time.Duration) *builtinDriver {
	return &builtinDriver{timestep: timestep}
}

func (d *builtinDriver) Load(_ context.Context, modelRef string, width, height int, headless bool) error {
	if modelRef == "" {
		return errors.New("model reference is empty")
	}
	if width < 1 || height < 1 {
		return errors.New("render dimensions must be positive")
	}
	d.width = width
	d.height = height
	d.loaded = true
	_ = headless
	return d.resetState()
}

func (d *builtinDriver) Reset(_ context.Context) (EngineState, error) {
	if !d.loaded {
		return EngineState{}, errors.New("driver not loaded")
	}
	if err := d.resetState(); err != nil {
		return EngineState{}, err
	}
	return d.state(), nil
}

func (d *builtinDriver) resetState() error {
	d.theta = math.Pi / 4
	d.omega = 0
	d.simTime = 0
	d.lastCtrl = 0
	return nil
}

func (d *builtinDriver) Step(_ context.Context, action []float64) (EngineState, error) {
	if !d.loaded {
		return EngineState{}, errors.New("driver not loaded")
	}
	// Latch the last explicit actuator command; nil means "keep".
	ctrl := d.lastCtrl
	if len(action) > 0 {
		ctrl = action[0]
	}
	d.lastCtrl = ctrl

	// Semi-implicit Euler on a damped torque-driven pendulum.
	dt := d.timestep.Seconds()
	const g, length, damping = 9.81, 1.0, 0.05
	accel := -(g/length)*math.Sin(d.theta) - damping*d.omega + ctrl
	d.omega += accel * dt
	d.theta += d.omega * dt
	d.simTime += dt
	return d.state(), nil
}

func (d *builtinDriver) state() EngineState {
	return EngineState{
		Positions:  []float64{d.theta},
		Velocities: []float64{d.omega},
		SimTime:    d.simTime,
	}
}

// Render draws the pendulum as a filled disc on a flat background and
// encodes it as PNG. The output is a pure function of the engine state.
func (d *builtinDriver) Render(_ context.Context) ([]byte, error) {
	if !d.loaded {
		return nil, errors.New("driver not loaded")
	}
	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	bg := color.RGBA{R: 24, G: 26, B: 32, A: 255}
	for y := 0; y < d.height; y++ {
		for x := 0; x < d.width; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	cx := float64(d.width) / 2
	cy := float64(d.height) / 2
	radius := math.Min(cx, cy) * 0.8
	bx := cx + radius*math.Sin(d.theta)
	by := cy + radius*math.Cos(d.theta)
	drawDisc(img, bx, by, math.Max(3, radius/10), color.RGBA{R: 235, G: 110, B: 60, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, errors.New("rendered zero-byte frame")
	}
	return buf.Bytes(), nil
}

func (d *builtinDriver) Timestep() time.Duration { return d.timestep }

func (d *builtinDriver) Dispose() {
	d.loaded = false
}

func drawDisc(img *image.RGBA, cx, cy, r float64, c color.RGBA) {
	bounds := img.Bounds()
	for y := int(cy - r); y <= int(cy+r); y++ {
		for x := int(cx - r); x <= int(cx+r); x++ {
			if x < bounds.Min.X || x >= bounds.Max.X || y < bounds.Min.Y || y >= bounds.Max.Y {
				continue
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}
}
