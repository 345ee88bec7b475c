package collab

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_InsertAndText(t *testing.T) {
	d := NewDocument("site-a")
	d.InsertAt(0, "hello")
	d.InsertAt(5, " world")
	assert.Equal(t, "hello world", d.Text())
}

func TestDocument_InsertInMiddle(t *testing.T) {
	d := NewDocument("site-a")
	d.InsertAt(0, "hd")
	d.InsertAt(1, "ello worl")
	assert.Equal(t, "hello world", d.Text())
}

func TestDocument_Delete(t *testing.T) {
	d := NewDocument("site-a")
	d.InsertAt(0, "hello world")
	d.DeleteAt(5, 6)
	assert.Equal(t, "hello", d.Text())

	// Tombstones survive in the op set.
	assert.Equal(t, 11, d.OpCount())
}

func TestDocument_MergeIsCommutative(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")
	u1 := a.InsertAt(0, "abc")
	u2 := b.InsertAt(0, "xyz")

	d1 := NewDocument("observer-1")
	require.NoError(t, d1.ApplyUpdate(u1))
	require.NoError(t, d1.ApplyUpdate(u2))

	d2 := NewDocument("observer-2")
	require.NoError(t, d2.ApplyUpdate(u2))
	require.NoError(t, d2.ApplyUpdate(u1))

	assert.Equal(t, d1.Encode(), d2.Encode())
	assert.Equal(t, d1.Text(), d2.Text())
}

func TestDocument_MergeIsIdempotent(t *testing.T) {
	a := NewDocument("site-a")
	update := a.InsertAt(0, "abc")

	d := NewDocument("observer")
	require.NoError(t, d.ApplyUpdate(update))
	before := d.Encode()
	require.NoError(t, d.ApplyUpdate(update))
	require.NoError(t, d.ApplyUpdate(update))
	assert.Equal(t, before, d.Encode())
}

func TestDocument_DeleteWinsOverConcurrentReinsert(t *testing.T) {
	a := NewDocument("site-a")
	insert := a.InsertAt(0, "x")
	tombstone := a.DeleteAt(0, 1)

	d := NewDocument("observer")
	require.NoError(t, d.ApplyUpdate(tombstone))
	require.NoError(t, d.ApplyUpdate(insert))
	assert.Empty(t, d.Text())
}

// Applying the full update set in any order yields byte-identical
// encoded state.
func TestDocument_EncodedStateIsOrderIndependent(t *testing.T) {
	a := NewDocument("site-a")
	b := NewDocument("site-b")
	c := NewDocument("site-c")

	updates := [][]byte{
		a.InsertAt(0, "one "),
		b.InsertAt(0, "two "),
		c.InsertAt(0, "three "),
		a.InsertAt(0, "four "),
	}

	apply := func(order []int) []byte {
		d := NewDocument("observer")
		for _, i := range order {
			require.NoError(t, d.ApplyUpdate(updates[i]))
		}
		return d.Encode()
	}

	reference := apply([]int{0, 1, 2, 3})
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(updates))
		assert.Equal(t, reference, apply(order), "order %v diverged", order)
	}
}

// Scenario: three editors insert concurrently; all replicas converge
// to the same text and the same encoded state.
func TestDocument_ThreeWayConvergence(t *testing.T) {
	u1 := NewDocument("u1")
	u2 := NewDocument("u2")
	u3 := NewDocument("u3")

	seed := u1.InsertAt(0, "base")
	require.NoError(t, u2.ApplyUpdate(seed))
	require.NoError(t, u3.ApplyUpdate(seed))

	up1 := u1.InsertAt(0, "A")
	up2 := u2.InsertAt(0, "B")
	up3 := u3.InsertAt(4, "C") // at end of "base" as u3 sees it

	all := [][]byte{up1, up2, up3}
	for _, d := range []*Document{u1, u2, u3} {
		for _, up := range all {
			require.NoError(t, d.ApplyUpdate(up))
		}
	}

	assert.Equal(t, u1.Text(), u2.Text())
	assert.Equal(t, u2.Text(), u3.Text())
	assert.Equal(t, u1.Encode(), u2.Encode())
	assert.Equal(t, u2.Encode(), u3.Encode())
	assert.Contains(t, u1.Text(), "base")
}

func TestDocument_EncodeRoundTripsThroughApply(t *testing.T) {
	a := NewDocument("site-a")
	a.InsertAt(0, "persistent")
	a.DeleteAt(0, 3)

	restored := NewDocument("site-b")
	require.NoError(t, restored.ApplyUpdate(a.Encode()))
	assert.Equal(t, a.Text(), restored.Text())
	assert.Equal(t, a.Encode(), restored.Encode())
}

func TestPositionBetween_Ordering(t *testing.T) {
	tests := []struct {
		name  string
		left  []uint64
		right []uint64
	}{
		{"empty bounds", nil, nil},
		{"adjacent digits", []uint64{5}, []uint64{6}},
		{"identical prefix", []uint64{5, 3}, []uint64{5, 4}},
		{"right is deeper", []uint64{5}, []uint64{5, 1}},
		{"left is deeper", []uint64{5, 7}, []uint64{6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := positionBetween(tt.left, tt.right)
			if tt.left != nil {
				assert.Negative(t, comparePos(tt.left, pos), "left %v !< pos %v", tt.left, pos)
			}
			if tt.right != nil {
				assert.Negative(t, comparePos(pos, tt.right), "pos %v !< right %v", pos, tt.right)
			}
		})
	}
}

func TestDocument_MalformedUpdateRejected(t *testing.T) {
	d := NewDocument("site-a")
	assert.Error(t, d.ApplyUpdate([]byte("not json")))
	assert.Zero(t, d.OpCount())
}
