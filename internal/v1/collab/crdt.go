// Package collab implements the collaborative document service: a
// sequence CRDT persisted in the substrate and fanned out across nodes.
package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// The document is a Logoot-style sequence CRDT. Every insert allocates
// a globally unique identifier plus a dense position; deletes are
// tombstones. The document state is the set of operations observed so
// far, merged by union, which makes the merge operator commutative,
// associative and idempotent. Encoding sorts operations by ID so the
// encoded state is byte-identical no matter the order updates arrived
// in.

// Op is a single CRDT operation.
type Op struct {
	ID      string   `json:"id"`  // "site:counter", unique per op
	Pos     []uint64 `json:"pos"` // dense position in the sequence
	Value   string   `json:"val,omitempty"`
	Deleted bool     `json:"del,omitempty"`
}

// digitBase bounds position digits; midpoints stay allocatable for a
// long time before paths grow.
const digitBase = uint64(1) << 16

// Document is the in-memory CRDT value. Safe for concurrent use.
type Document struct {
	mu      sync.RWMutex
	ops     map[string]Op
	site    string
	counter uint64
}

// NewDocument creates an empty document owned by the given site (used
// only when generating local operations).
func NewDocument(site string) *Document {
	return &Document{ops: make(map[string]Op), site: site}
}

// ApplyUpdate merges an encoded update (a JSON array of ops) into the
// document. Applying the same update twice is a no-op; a tombstone
// always wins over a live op with the same ID.
func (d *Document) ApplyUpdate(update []byte) error {
	var incoming []Op
	if err := json.Unmarshal(update, &incoming); err != nil {
		return errors.New("malformed CRDT update")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range incoming {
		if op.ID == "" {
			continue
		}
		existing, seen := d.ops[op.ID]
		if seen && existing.Deleted {
			continue
		}
		d.ops[op.ID] = op
	}
	return nil
}

// Encode returns the full document state: every op sorted by ID. The
// output is a pure function of the op set.
func (d *Document) Encode() []byte {
	d.mu.RLock()
	ops := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	d.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	data, _ := json.Marshal(ops)
	return data
}

// Text materializes the visible sequence: live ops in position order.
func (d *Document) Text() string {
	visible := d.visibleOps()
	var b strings.Builder
	for _, op := range visible {
		b.WriteString(op.Value)
	}
	return b.String()
}

// visibleOps returns live ops sorted by (position, ID).
func (d *Document) visibleOps() []Op {
	d.mu.RLock()
	ops := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		if !op.Deleted {
			ops = append(ops, op)
		}
	}
	d.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool {
		if c := comparePos(ops[i].Pos, ops[j].Pos); c != 0 {
			return c < 0
		}
		return ops[i].ID < ops[j].ID
	})
	return ops
}

func comparePos(a, b []uint64) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// positionBetween allocates a dense position strictly between left and
// right. nil left means the sequence start, nil right the end. The
// allocation is deterministic for a given pair.
func positionBetween(left, right []uint64) []uint64 {
	digit := func(pos []uint64, depth int, def uint64) uint64 {
		if depth < len(pos) {
			return pos[depth]
		}
		return def
	}

	prefix := make([]uint64, 0, len(left)+1)
	for depth := 0; ; depth++ {
		l := digit(left, depth, 0)
		r := digit(right, depth, digitBase)
		switch {
		case r-l > 1:
			return append(prefix, l+(r-l)/2)
		case r == l:
			// Identical digit: follow both bounds down.
			prefix = append(prefix, l)
		default:
			// Adjacent digits: descend under the left bound; the right
			// bound is open from here on.
			prefix = append(prefix, l)
			right = nil
		}
	}
}

// InsertAt generates (and locally applies) an update inserting text at
// the given visible index. Returns the encoded update for broadcast.
func (d *Document) InsertAt(index int, text string) []byte {
	visible := d.visibleOps()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}

	var left, right []uint64
	if index > 0 {
		left = visible[index-1].Pos
	}
	if index < len(visible) {
		right = visible[index].Pos
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		d.mu.Lock()
		d.counter++
		id := fmt.Sprintf("%s:%d", d.site, d.counter)
		d.mu.Unlock()

		pos := positionBetween(left, right)
		op := Op{ID: id, Pos: pos, Value: string(r)}
		ops = append(ops, op)
		left = pos
	}

	update, _ := json.Marshal(ops)
	_ = d.ApplyUpdate(update)
	return update
}

// DeleteAt generates (and locally applies) an update tombstoning count
// characters starting at the given visible index.
func (d *Document) DeleteAt(index, count int) []byte {
	visible := d.visibleOps()
	if index < 0 || index >= len(visible) || count < 1 {
		return nil
	}
	end := index + count
	if end > len(visible) {
		end = len(visible)
	}

	ops := make([]Op, 0, end-index)
	for _, op := range visible[index:end] {
		ops = append(ops, Op{ID: op.ID, Pos: op.Pos, Deleted: true})
	}
	update, _ := json.Marshal(ops)
	_ = d.ApplyUpdate(update)
	return update
}

// OpCount reports the total op count including tombstones.
func (d *Document) OpCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ops)
}
