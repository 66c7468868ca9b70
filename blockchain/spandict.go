package blockchain

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Metadata tags carried alongside each SpanDict value.
const (
	TagPersistent byte = 0 // written by execution/import; flushed to disk on commit
	TagUseOnce    byte = 1 // pre-commit scratch, discarded when the block is sealed
	TagCached     byte = 2 // written back by LiveBlock's read-caching heuristic
)

// destroyedFlag is OR'd into the stored meta byte (high bit) when an
// entry's owning address has been destroyed after the entry was written.
// It lets a LiveBlock recognize a stale storage/pre_commit entry as dead
// even though its hash is still present in own_filter.
const destroyedFlag byte = 0x80

// Tag strips the destroyed marker off a raw meta byte.
func Tag(meta byte) byte { return meta &^ destroyedFlag }

// Destroyed reports whether a raw meta byte carries the destroyed marker.
func Destroyed(meta byte) bool { return meta&destroyedFlag != 0 }

// entry is one SpanDict slot. Updates replace the pointer wholesale so a
// concurrent reader observing the old or new entry never sees torn bytes
// -- the "preserve_once_written" concurrency mode this requires.
type entry struct {
	hash64 uint64
	key    []byte
	value  []byte
	meta   byte
}

// spanTable is the resizable backing array. SpanDict swaps the whole
// table atomically on growth; individual slots are mutated in place via
// their own atomic.Pointer, which is what makes concurrent lock-free
// reads safe against a single writer.
type spanTable struct {
	slots []atomic.Pointer[entry]
}

const initialSlots = 64
const maxLoadFactor = 0.70

// SpanDict is an open-addressed map from byte-key (with a
// caller-supplied 64-bit hash) to byte-value plus a 1-byte metadata tag.
// Reads are lock-free; inserts/updates/deletes assume a single logical
// writer, consistent with the one-writer-per-LiveBlock rule --
// the sole exception, the prefetcher, only ever touches the pre_commit
// SpanDict under its own lock (§4.7), which this type does not need to
// know about.
type SpanDict struct {
	mu     sync.Mutex
	table  atomic.Pointer[spanTable]
	count  int
	probes atomic.Int64
}

// NewSpanDict returns an empty SpanDict.
func NewSpanDict() *SpanDict {
	d := &SpanDict{}
	d.table.Store(&spanTable{slots: make([]atomic.Pointer[entry], initialSlots)})
	return d
}

// find returns the slot index holding key (matched by hash64 then a full
// byte-compare, per the collision-resolution invariant),
// or -1 on a miss.
func find(slots []atomic.Pointer[entry], hash64 uint64, key []byte) int {
	n := len(slots)
	idx := int(hash64 % uint64(n))
	for i := 0; i < n; i++ {
		probe := (idx + i) % n
		e := slots[probe].Load()
		if e == nil {
			return -1
		}
		if e.hash64 == hash64 && bytes.Equal(e.key, key) {
			return probe
		}
	}
	return -1
}

// firstSlot returns the first empty-or-matching slot for key, or -1 if
// the table is full (the caller must grow first).
func firstSlot(slots []atomic.Pointer[entry], hash64 uint64, key []byte) int {
	n := len(slots)
	idx := int(hash64 % uint64(n))
	for i := 0; i < n; i++ {
		probe := (idx + i) % n
		e := slots[probe].Load()
		if e == nil || (e.hash64 == hash64 && bytes.Equal(e.key, key)) {
			return probe
		}
	}
	return -1
}

// growLocked doubles the table when the load factor would otherwise be
// exceeded. Caller must hold d.mu.
func (d *SpanDict) growLocked() {
	tbl := d.table.Load()
	if float64(d.count+1) <= maxLoadFactor*float64(len(tbl.slots)) {
		return
	}
	bigger := &spanTable{slots: make([]atomic.Pointer[entry], len(tbl.slots)*2)}
	for i := range tbl.slots {
		e := tbl.slots[i].Load()
		if e == nil {
			continue
		}
		bigger.slots[firstSlot(bigger.slots, e.hash64, e.key)].Store(e)
	}
	d.table.Store(bigger)
}

// Set inserts or overwrites key with value and tag meta.
func (d *SpanDict) Set(key []byte, hash64 uint64, value []byte, meta byte) {
	d.setEntry(key, hash64, value, meta)
}

// SetSplit inserts the concatenation of value0 and value1 without
// requiring the caller to allocate the joined slice itself.
func (d *SpanDict) SetSplit(key []byte, hash64 uint64, value0, value1 []byte, meta byte) {
	joined := make([]byte, len(value0)+len(value1))
	copy(joined, value0)
	copy(joined[len(value0):], value1)
	d.setEntry(key, hash64, joined, meta)
}

func (d *SpanDict) setEntry(key []byte, hash64 uint64, value []byte, meta byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.growLocked()
	tbl := d.table.Load()
	probe := firstSlot(tbl.slots, hash64, key)
	existing := tbl.slots[probe].Load()
	keyCopy := key
	if existing == nil {
		keyCopy = append([]byte(nil), key...)
		d.count++
	} else {
		keyCopy = existing.key
	}
	tbl.slots[probe].Store(&entry{hash64: hash64, key: keyCopy, value: value, meta: meta})
}

// TryGet looks up key by hash64, returning its value, logical tag and
// whether its owning address has since been destroyed. ok is false on a
// miss. Every call counts against the probe counter used to verify the
// ancestor-filter short-circuit property.
func (d *SpanDict) TryGet(key []byte, hash64 uint64) (value []byte, meta byte, destroyed bool, ok bool) {
	d.probes.Add(1)
	tbl := d.table.Load()
	probe := find(tbl.slots, hash64, key)
	if probe < 0 {
		return nil, 0, false, false
	}
	e := tbl.slots[probe].Load()
	if e == nil {
		return nil, 0, false, false
	}
	return e.value, Tag(e.meta), Destroyed(e.meta), true
}

// ProbeCount returns the number of TryGet calls served, for tests.
func (d *SpanDict) ProbeCount() int64 { return d.probes.Load() }

// Len returns the number of live entries.
func (d *SpanDict) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// IterAction tells Iterate what to do with the entry just visited.
type IterAction int

const (
	IterKeep IterAction = iota
	IterDelete
	IterMarkDestroyed
)

// Iterate visits every live entry, yielding its key, hash, value and
// logical tag/destroyed state. The callback's returned IterAction can
// delete the entry in place (IterDelete) or flip its destroyed marker
// (IterMarkDestroyed) -- the mechanism DestroyAccount uses to mark
// existing storage/pre_commit entries belonging to the destroyed address
// without removing them outright.
func (d *SpanDict) Iterate(fn func(key []byte, hash64 uint64, value []byte, meta byte, destroyed bool) IterAction) {
	tbl := d.table.Load()
	for i := range tbl.slots {
		e := tbl.slots[i].Load()
		if e == nil {
			continue
		}
		switch fn(e.key, e.hash64, e.value, Tag(e.meta), Destroyed(e.meta)) {
		case IterDelete:
			d.mu.Lock()
			if cur := tbl.slots[i].Load(); cur == e {
				tbl.slots[i].Store(nil)
				d.count--
			}
			d.mu.Unlock()
		case IterMarkDestroyed:
			d.mu.Lock()
			if cur := tbl.slots[i].Load(); cur == e {
				tbl.slots[i].Store(&entry{hash64: e.hash64, key: e.key, value: e.value, meta: e.meta | destroyedFlag})
			}
			d.mu.Unlock()
		}
	}
}

// CopyTo copies every entry whose logical tag satisfies predicate into
// dest, populating filter with each copied entry's hash. appendOnly
// documents (to the caller and to readers of this code) that the source
// and destination key spaces are disjoint by construction -- state and
// storage entries never collide -- so no overwrite can occur; it does
// not change CopyTo's behavior, only its precondition.
func (d *SpanDict) CopyTo(dest *SpanDict, predicate func(meta byte) bool, filter *BitFilter, appendOnly bool) {
	_ = appendOnly
	tbl := d.table.Load()
	for i := range tbl.slots {
		e := tbl.slots[i].Load()
		if e == nil {
			continue
		}
		if !predicate(Tag(e.meta)) {
			continue
		}
		dest.setEntry(e.key, e.hash64, e.value, e.meta)
		if filter != nil {
			filter.Add(e.hash64)
		}
	}
}
