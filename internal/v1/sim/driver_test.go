package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

func TestNewDriver_UnknownKind(t *testing.T) {
	_, err := NewDriver(types.EngineKind("havok"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInvalidInput))
}

func TestBuiltinDriver_LoadValidation(t *testing.T) {
	tests := []struct {
		name     string
		modelRef string
		width    int
		height   int
	}{
		{"empty model", "", 64, 64},
		{"zero width", "cart.xml", 0, 64},
		{"negative height", "cart.xml", 64, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newBuiltinDriver(2 * time.Millisecond)
			err := d.Load(context.Background(), tt.modelRef, tt.width, tt.height, true)
			assert.Error(t, err)
		})
	}
}

func TestBuiltinDriver_Deterministic(t *testing.T) {
	ctx := context.Background()

	run := func() (EngineState, []byte) {
		d := newBuiltinDriver(2 * time.Millisecond)
		require.NoError(t, d.Load(ctx, "pendulum.xml", 64, 48, true))
		var state EngineState
		var err error
		for i := 0; i < 10; i++ {
			state, err = d.Step(ctx, []float64{0.5})
			require.NoError(t, err)
		}
		img, err := d.Render(ctx)
		require.NoError(t, err)
		return state, img
	}

	s1, img1 := run()
	s2, img2 := run()
	assert.Equal(t, s1, s2)
	assert.Equal(t, img1, img2)
	assert.NotEmpty(t, img1)
}

func TestBuiltinDriver_StepAdvancesSimTime(t *testing.T) {
	ctx := context.Background()
	d := newBuiltinDriver(2 * time.Millisecond)
	require.NoError(t, d.Load(ctx, "pendulum.xml", 32, 32, true))

	s1, err := d.Step(ctx, nil)
	require.NoError(t, err)
	s2, err := d.Step(ctx, nil)
	require.NoError(t, err)
	assert.Greater(t, s2.SimTime, s1.SimTime)

	reset, err := d.Reset(ctx)
	require.NoError(t, err)
	assert.Zero(t, reset.SimTime)
}

func TestBuiltinDriver_LatchesLastControl(t *testing.T) {
	ctx := context.Background()
	d := newBuiltinDriver(2 * time.Millisecond)
	require.NoError(t, d.Load(ctx, "pendulum.xml", 32, 32, true))

	_, err := d.Step(ctx, []float64{3.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, d.lastCtrl)

	_, err = d.Step(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, d.lastCtrl)
}

func TestGuardedDriver_DeadlineExceeded(t *testing.T) {
	g := &guardedDriver{inner: &hangingDriver{}, timeout: 20 * time.Millisecond}
	_, err := g.Step(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindDeadlineExceeded))
}

// hangingDriver blocks forever on Step to exercise the call deadline.
type hangingDriver struct{}

func (h *hangingDriver) Load(context.Context, string, int, int, bool) error { return nil }
func (h *hangingDriver) Reset(context.Context) (EngineState, error)        { return EngineState{}, nil }
func (h *hangingDriver) Step(ctx context.Context, _ []float64) (EngineState, error) {
	<-make(chan struct{})
	return EngineState{}, nil
}
func (h *hangingDriver) Render(context.Context) ([]byte, error) { return []byte{1}, nil }
func (h *hangingDriver) Timestep() time.Duration                { return time.Millisecond }
func (h *hangingDriver) Dispose()                               {}
