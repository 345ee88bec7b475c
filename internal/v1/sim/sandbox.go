package sim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ExecutionResult is the outcome of one user-code run.
type ExecutionResult struct {
	Status     string    `json:"status"` // "success" or "error"
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	execStatusSuccess = "success"
	execStatusError   = "error"
)

// simControl is the capability façade handed to user code. The only
// ambient authority inside the sandbox is get_simulation(); every call
// turns into a control message awaited on the owning loop.
type simControl interface {
	Reset(ctx context.Context) (EngineState, error)
	Step(ctx context.Context, action []float64) (EngineState, error)
	GetState(ctx context.Context) (Snapshot, EngineState, error)
}

// runSandbox executes user Lua code against the control façade. The
// context carries the wall-clock cap; exceeding it yields an error
// result with reason "timeout" rather than an operational error.
func runSandbox(ctx context.Context, code string, ctrl simControl) ExecutionResult {
	var stdout, stderr bytes.Buffer

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()
	L.SetContext(ctx)

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		stdout.WriteString(strings.Join(parts, "\t"))
		stdout.WriteByte('\n')
		return 0
	}))

	L.SetGlobal("get_simulation", L.NewFunction(func(L *lua.LState) int {
		L.Push(newFacadeTable(L, ctx, ctrl))
		return 1
	}))

	err := L.DoString(code)
	result := ExecutionResult{
		Status:     execStatusSuccess,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Status = execStatusError
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Error = "timeout"
		} else {
			result.Error = err.Error()
		}
		result.Stderr = result.Error
	}
	return result
}

// newFacadeTable builds the Lua table returned by get_simulation():
// reset(), step(action), get_state().
func newFacadeTable(L *lua.LState, ctx context.Context, ctrl simControl) *lua.LTable {
	tbl := L.NewTable()

	tbl.RawSetString("reset", L.NewFunction(func(L *lua.LState) int {
		state, err := ctrl.Reset(ctx)
		if err != nil {
			L.RaiseError("reset failed: %s", err.Error())
			return 0
		}
		L.Push(stateToLua(L, state))
		return 1
	}))

	tbl.RawSetString("step", L.NewFunction(func(L *lua.LState) int {
		action := actionFromLua(L)
		state, err := ctrl.Step(ctx, action)
		if err != nil {
			L.RaiseError("step failed: %s", err.Error())
			return 0
		}
		L.Push(stateToLua(L, state))
		return 1
	}))

	tbl.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		snap, state, err := ctrl.GetState(ctx)
		if err != nil {
			L.RaiseError("get_state failed: %s", err.Error())
			return 0
		}
		out := stateToLua(L, state)
		out.RawSetString("status", lua.LString(snap.Status))
		out.RawSetString("frame_index", lua.LNumber(snap.FrameIndex))
		out.RawSetString("degraded", lua.LBool(snap.Degraded))
		L.Push(out)
		return 1
	}))

	return tbl
}

// actionFromLua extracts the actuator command from the call arguments.
// The last numeric-array table wins, so both sim.step({0}) and
// sim:step({0}) parse the same way.
func actionFromLua(L *lua.LState) []float64 {
	var action []float64
	for i := 1; i <= L.GetTop(); i++ {
		tbl, ok := L.Get(i).(*lua.LTable)
		if !ok {
			continue
		}
		var vals []float64
		numeric := true
		tbl.ForEach(func(k, v lua.LValue) {
			n, ok := v.(lua.LNumber)
			if !ok {
				numeric = false
				return
			}
			vals = append(vals, float64(n))
		})
		if numeric && len(vals) > 0 {
			action = vals
		}
	}
	return action
}

func stateToLua(L *lua.LState, state EngineState) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("sim_time", lua.LNumber(state.SimTime))
	pos := L.NewTable()
	for i, v := range state.Positions {
		pos.RawSetInt(i+1, lua.LNumber(v))
	}
	tbl.RawSetString("positions", pos)
	vel := L.NewTable()
	for i, v := range state.Velocities {
		vel.RawSetInt(i+1, lua.LNumber(v))
	}
	tbl.RawSetString("velocities", vel)
	return tbl
}

// instanceControl adapts an Instance to the sandbox façade.
type instanceControl struct {
	in *Instance
}

func (c instanceControl) Reset(ctx context.Context) (EngineState, error) {
	rep, err := c.in.request(ctx, controlMsg{verb: verbReset})
	return rep.state, err
}

func (c instanceControl) Step(ctx context.Context, action []float64) (EngineState, error) {
	rep, err := c.in.request(ctx, controlMsg{verb: verbStep, action: action})
	return rep.state, err
}

func (c instanceControl) GetState(ctx context.Context) (Snapshot, EngineState, error) {
	rep, err := c.in.request(ctx, controlMsg{verb: verbGetState})
	return rep.snap, rep.state, err
}

var _ simControl = instanceControl{}
