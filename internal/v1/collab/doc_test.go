package collab

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

func newTestManager(t *testing.T, mr *miniredis.Miniredis, nodeID string) *Manager {
	t.Helper()
	sub, err := substrate.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return NewManager(sub, types.NodeIdType(nodeID))
}

func TestManager_AttachLoadsPersistedState(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr := newTestManager(t, mr, "node-a")
	ctx := context.Background()

	seed := NewDocument("seeder")
	seed.InsertAt(0, "persisted")
	require.NoError(t, mgr.sub.Set(ctx, docKey("ws1:main.py"), string(seed.Encode()), 0))

	client, initial, err := mgr.Attach(ctx, "ws1:main.py", "c1")
	require.NoError(t, err)
	defer mgr.Detach(ctx, client)

	restored := NewDocument("check")
	require.NoError(t, restored.ApplyUpdate(initial))
	assert.Equal(t, "persisted", restored.Text())
}

func TestManager_WriteBehindPersists(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr := newTestManager(t, mr, "node-a")
	ctx := context.Background()

	client, _, err := mgr.Attach(ctx, "ws1:a.py", "c1")
	require.NoError(t, err)
	defer mgr.Detach(ctx, client)

	local := NewDocument("c1-site")
	update := local.InsertAt(0, "hello")
	require.NoError(t, mgr.ApplyLocal(ctx, client, update))

	require.Eventually(t, func() bool {
		raw, found, err := mgr.sub.Get(ctx, docKey("ws1:a.py"))
		if err != nil || !found {
			return false
		}
		check := NewDocument("check")
		return check.ApplyUpdate([]byte(raw)) == nil && check.Text() == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_UpdateFansOutToOtherLocalClients(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr := newTestManager(t, mr, "node-a")
	ctx := context.Background()

	c1, _, err := mgr.Attach(ctx, "ws1:a.py", "c1")
	require.NoError(t, err)
	defer mgr.Detach(ctx, c1)
	c2, _, err := mgr.Attach(ctx, "ws1:a.py", "c2")
	require.NoError(t, err)
	defer mgr.Detach(ctx, c2)

	local := NewDocument("c1-site")
	require.NoError(t, mgr.ApplyLocal(ctx, c1, local.InsertAt(0, "x")))

	select {
	case msg := <-c2.Outbound:
		assert.Equal(t, kindUpdate, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("peer client never received the update")
	}

	// The originator must not receive its own update back.
	select {
	case msg := <-c1.Outbound:
		t.Fatalf("originator received echo: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_CrossNodeConvergenceAndEchoSuppression(t *testing.T) {
	mr := miniredis.RunT(t)
	mgrA := newTestManager(t, mr, "node-a")
	mgrB := newTestManager(t, mr, "node-b")
	ctx := context.Background()

	ca, _, err := mgrA.Attach(ctx, "ws1:d1", "ca")
	require.NoError(t, err)
	defer mgrA.Detach(ctx, ca)
	cb, _, err := mgrB.Attach(ctx, "ws1:d1", "cb")
	require.NoError(t, err)
	defer mgrB.Detach(ctx, cb)

	// Let both awareness subscriptions come up.
	time.Sleep(100 * time.Millisecond)

	local := NewDocument("ca-site")
	require.NoError(t, mgrA.ApplyLocal(ctx, ca, local.InsertAt(0, "shared")))

	require.Eventually(t, func() bool {
		text, ok := mgrB.Text("ws1:d1")
		return ok && text == "shared"
	}, 2*time.Second, 10*time.Millisecond)

	// Node A sees its own publish on the channel but must ignore it:
	// the op set cannot double-apply, and ca gets no echo.
	select {
	case msg := <-ca.Outbound:
		t.Fatalf("origin client received echo: %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestManager_AwarenessRelayedNotPersisted(t *testing.T) {
	mr := miniredis.RunT(t)
	mgrA := newTestManager(t, mr, "node-a")
	mgrB := newTestManager(t, mr, "node-b")
	ctx := context.Background()

	ca, _, err := mgrA.Attach(ctx, "ws1:d1", "ca")
	require.NoError(t, err)
	defer mgrA.Detach(ctx, ca)
	cb, _, err := mgrB.Attach(ctx, "ws1:d1", "cb")
	require.NoError(t, err)
	defer mgrB.Detach(ctx, cb)

	time.Sleep(100 * time.Millisecond)

	mgrA.RelayAwareness(ctx, ca, []byte(`{"cursor":5}`))

	select {
	case msg := <-cb.Outbound:
		assert.Equal(t, kindAwareness, msg.Kind)
		assert.JSONEq(t, `{"cursor":5}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("remote client never received awareness")
	}

	// Awareness leaves no trace in the substrate.
	_, found, err := mgrA.sub.Get(ctx, docKey("ws1:d1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_LastDetachClosesDocument(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr := newTestManager(t, mr, "node-a")
	ctx := context.Background()

	c1, _, err := mgr.Attach(ctx, "ws1:a.py", "c1")
	require.NoError(t, err)

	local := NewDocument("c1-site")
	require.NoError(t, mgr.ApplyLocal(ctx, c1, local.InsertAt(0, "kept")))
	mgr.Detach(ctx, c1)

	// Document session is gone locally...
	_, open := mgr.Text("ws1:a.py")
	assert.False(t, open)

	// ...but the state survives in the substrate with no TTL.
	raw, found, err := mgr.sub.Get(ctx, docKey("ws1:a.py"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, time.Duration(0), mr.TTL(docKey("ws1:a.py")))

	check := NewDocument("check")
	require.NoError(t, check.ApplyUpdate([]byte(raw)))
	assert.Equal(t, "kept", check.Text())
}
