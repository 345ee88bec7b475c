package sim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

func newTestSubstrate(t *testing.T) (*substrate.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	sub, err := substrate.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub, mr
}

func newTestService(t *testing.T, sub *substrate.Service, nodeID string) *Service {
	t.Helper()
	svc := NewService(sub, Options{
		NodeID:            nodeID,
		LeaseTTL:          200 * time.Millisecond,
		ExecWallClock:     5 * time.Second,
		FrameBackpressure: 4,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc
}

func testConfig(id string) SessionConfig {
	return SessionConfig{
		SessionId: types.SessionIdType(id),
		Engine:    types.EngineMuJoCo,
		ModelRef:  "pendulum.xml",
		Width:     48,
		Height:    48,
		FPS:       100,
		Headless:  true,
	}
}

func TestService_CreateValidation(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"zero fps", func(c *SessionConfig) { c.FPS = 0 }},
		{"negative fps", func(c *SessionConfig) { c.FPS = -30 }},
		{"empty model", func(c *SessionConfig) { c.ModelRef = "" }},
		{"unknown engine", func(c *SessionConfig) { c.Engine = "havok" }},
		{"empty session id", func(c *SessionConfig) { c.SessionId = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("s-validate")
			tt.mutate(&cfg)
			err := svc.Create(ctx, cfg)
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.KindInvalidInput))
		})
	}
}

func TestService_CreateDuplicateReturnsAlreadyExists(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))
	err := svc.Create(ctx, testConfig("s1"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAlreadyExists))
}

func TestService_CreateOnOtherNodesLiveSessionRejected(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svcA := newTestService(t, sub, "node-a")
	svcB := newTestService(t, sub, "node-b")
	ctx := context.Background()

	require.NoError(t, svcA.Create(ctx, testConfig("s1")))
	err := svcB.Create(ctx, testConfig("s1"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAlreadyExists))
}

func TestService_DeleteIsIdempotent(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	status, err := svc.Delete(ctx, "never-created")
	require.NoError(t, err)
	assert.Equal(t, "absent", status)

	require.NoError(t, svc.Create(ctx, testConfig("s1")))
	status, err = svc.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "deleted", status)

	status, err = svc.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "absent", status)
}

func TestService_CreateDeleteLeavesNoResidualKeys(t *testing.T) {
	sub, mr := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))
	_, err := svc.Delete(ctx, "s1")
	require.NoError(t, err)

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "s1", "residual key %q after delete", key)
	}
}

func TestService_DeleteFromNonOwnerStopsRemoteLoop(t *testing.T) {
	sub, mr := newTestSubstrate(t)
	svcA := newTestService(t, sub, "node-a")
	svcB := newTestService(t, sub, "node-b")
	ctx := context.Background()

	require.NoError(t, svcA.Create(ctx, testConfig("s1")))
	_, err := svcA.SendControl(ctx, "s1", "play", 0)
	require.NoError(t, err)

	status, err := svcB.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "deleted", status)

	// The owning loop picks the terminate up off the control channel,
	// stops stepping and releases its lease instead of renewing it.
	require.Eventually(t, func() bool {
		svcA.mu.Lock()
		_, ok := svcA.instances["s1"]
		svcA.mu.Unlock()
		return !ok && !mr.Exists(leaseKey("s1"))
	}, 3*time.Second, 10*time.Millisecond)

	// Nothing on node A resurrects the session records afterwards.
	time.Sleep(150 * time.Millisecond)
	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "s1", "residual key %q after cross-node delete", key)
	}
}

func TestService_GetStateNotFound(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")

	_, err := svc.GetState(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestService_List(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Create(ctx, testConfig(fmt.Sprintf("s%d", i))))
	}
	sessions, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestService_PlayThenFramesAdvance(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))
	_, err := svc.SendControl(ctx, "s1", "play", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := svc.GetState(ctx, "s1")
		return err == nil && snap.FrameIndex > 0 && snap.Status == types.SessionRunning
	}, 3*time.Second, 10*time.Millisecond)
}

func TestService_ResetRestartsFrameIndexAtZero(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))
	_, err := svc.SendControl(ctx, "s1", "play", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := svc.GetState(ctx, "s1")
		return err == nil && snap.FrameIndex > 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err = svc.SendControl(ctx, "s1", "pause", 0)
	require.NoError(t, err)
	snap, err := svc.SendControl(ctx, "s1", "reset", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.FrameIndex)
	assert.Zero(t, snap.SimTime)
}

func TestService_SendControlValidation(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))

	_, err := svc.SendControl(ctx, "s1", "warp", 0)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInvalidInput))

	_, err = svc.SendControl(ctx, "s1", "set_fps", -1)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInvalidInput))

	_, err = svc.SendControl(ctx, "s1", "set_fps", 60)
	assert.NoError(t, err)
}

func TestService_ExecuteBusy(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))

	// E1 spins inside the sandbox long enough for E2 to race it.
	type execOutcome struct {
		res *ExecutionResult
		err error
	}
	e1done := make(chan execOutcome, 1)
	go func() {
		res, err := svc.Execute(ctx, "s1", `
local deadline = os.clock() + 0.5
while os.clock() < deadline do end
`)
		e1done <- execOutcome{res, err}
	}()

	s1instance := func() *Instance {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.instances["s1"]
	}()
	require.NotNil(t, s1instance)
	require.Eventually(t, func() bool {
		return s1instance.execBusy.Load()
	}, 2*time.Second, 5*time.Millisecond)

	_, err := svc.Execute(ctx, "s1", `print("e2")`)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindBusy))

	e1 := <-e1done
	require.NoError(t, e1.err)
	assert.Equal(t, execStatusSuccess, e1.res.Status)

	// Slot is free again; E3 runs normally.
	res, err := svc.Execute(ctx, "s1", `print("e3")`)
	require.NoError(t, err)
	assert.Equal(t, execStatusSuccess, res.Status)
	assert.Equal(t, "e3\n", res.Stdout)
}

func TestService_ExecuteDrivesSimulation(t *testing.T) {
	sub, _ := newTestSubstrate(t)
	svc := newTestService(t, sub, "node-1")
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, testConfig("s1")))

	res, err := svc.Execute(ctx, "s1", `
local sim = get_simulation()
sim.reset()
for i = 1, 5 do
  local s = sim.step({0})
  print(s.sim_time)
end
`)
	require.NoError(t, err)
	require.Equal(t, execStatusSuccess, res.Status)

	snap, err := svc.GetState(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, snap.SimTime, 0.0)
}

func TestService_LeaseTakeoverAfterCrash(t *testing.T) {
	sub, mr := newTestSubstrate(t)
	svcA := newTestService(t, sub, "node-a")
	svcB := newTestService(t, sub, "node-b")
	ctx := context.Background()

	require.NoError(t, svcA.Create(ctx, testConfig("s2")))

	// Kill node A's loop without delete: substrate keys stay, the
	// lease is never released.
	svcA.mu.Lock()
	inA := svcA.instances["s2"]
	svcA.mu.Unlock()
	require.NotNil(t, inA)
	inA.cancel()
	select {
	case <-inA.done:
	case <-time.After(2 * time.Second):
		t.Fatal("node A loop did not stop")
	}

	// Before the lease expires, B cannot take the session.
	err := svcB.Create(ctx, testConfig("s2"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAlreadyExists))

	mr.FastForward(500 * time.Millisecond)

	// After expiry, B's create succeeds and the descriptor survives.
	require.NoError(t, svcB.Create(ctx, testConfig("s2")))
	exists, err := sub.Exists(ctx, configKey("s2"))
	require.NoError(t, err)
	assert.True(t, exists)

	svcB.mu.Lock()
	_, ok := svcB.instances["s2"]
	svcB.mu.Unlock()
	assert.True(t, ok, "node B should own the revived instance")
}
