package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseExclusivity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ok, err := svc.AcquireLease(ctx, "sim:lease:s1", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second node loses.
	ok, err = svc.AcquireLease(ctx, "sim:lease:s1", "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-acquiring our own lease is idempotent.
	ok, err = svc.AcquireLease(ctx, "sim:lease:s1", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseRenewal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AcquireLease(ctx, "sim:lease:s1", "node-a", 15*time.Second)
	require.NoError(t, err)

	ok, err := svc.RenewLease(ctx, "sim:lease:s1", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// A non-holder cannot renew.
	ok, err = svc.RenewLease(ctx, "sim:lease:s1", "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseTakeoverAfterExpiry(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	_, err := svc.AcquireLease(ctx, "sim:lease:s2", "node-a", 15*time.Second)
	require.NoError(t, err)

	// Simulate node-a dying without release: lease expires.
	mr.FastForward(16 * time.Second)

	ok, err := svc.AcquireLease(ctx, "sim:lease:s2", "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// node-a's renewal must now fail.
	ok, err = svc.RenewLease(ctx, "sim:lease:s2", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseRelease(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AcquireLease(ctx, "sim:lease:s3", "node-a", 15*time.Second)
	require.NoError(t, err)

	// Releasing with the wrong owner is a no-op.
	require.NoError(t, svc.ReleaseLease(ctx, "sim:lease:s3", "node-b"))
	ok, err := svc.RenewLease(ctx, "sim:lease:s3", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.ReleaseLease(ctx, "sim:lease:s3", "node-a"))
	ok, err = svc.AcquireLease(ctx, "sim:lease:s3", "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing an absent lease never fails.
	require.NoError(t, svc.ReleaseLease(ctx, "sim:lease:absent", "node-a"))
}
