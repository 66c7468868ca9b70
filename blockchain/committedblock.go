package blockchain

import (
	"sync"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// CommittedBlock is an immutable snapshot produced by LiveBlock.Commit:
// a single merged SpanDict (state+storage+pre_commit,
// pre_commit entries winning on overlap since they were copied last with
// overwrite), a BitFilter covering every key and every destroyed address
// it holds, and the destroyed-address set itself.
//
// Its lifetime is governed by two independent conditions rather than a
// plain refcount: it is only removed from the BlockIndex once it has
// both been flushed to the paged store AND every outstanding read lease
// has been released, whichever happens later. The initial
// lease, taken at construction, represents the BlockIndex's own hold and
// is the one the Flusher releases once it has written this block.
type CommittedBlock struct {
	mergedDict *SpanDict
	filter     *BitFilter
	destroyed  map[common.Address]struct{}

	hash        common.Hash
	parentHash  common.Hash
	blockNumber uint64
	raw         bool

	mu        sync.Mutex
	leases    int32
	flushed   bool
	removed   bool
	onDrained func(*CommittedBlock)
}

func newCommittedBlock(merged *SpanDict, filter *BitFilter, destroyed map[common.Address]struct{}, hash, parent common.Hash, blockNumber uint64, raw bool) *CommittedBlock {
	return &CommittedBlock{
		mergedDict:  merged,
		filter:      filter,
		destroyed:   destroyed,
		hash:        hash,
		parentHash:  parent,
		blockNumber: blockNumber,
		raw:         raw,
		leases:      1,
	}
}

// Hash, ParentHash, BlockNumber, Raw report this block's identity.
func (cb *CommittedBlock) Hash() common.Hash       { return cb.hash }
func (cb *CommittedBlock) ParentHash() common.Hash { return cb.parentHash }
func (cb *CommittedBlock) BlockNumber() uint64     { return cb.blockNumber }
func (cb *CommittedBlock) Raw() bool               { return cb.raw }

// AcquireLease takes an additional read lease, required before any
// caller (a descendant LiveBlock, a ReadOnlyView, a flush pass) may
// retain a reference to this block past the call that produced it.
// Panics if called after the block has already been fully cleaned up.
func (cb *CommittedBlock) AcquireLease() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.leases <= 0 {
		panic("blockstate: acquire_lease on a CommittedBlock with no outstanding leases")
	}
	cb.leases++
}

// Dispose releases one lease. Panics on over-release. When the lease
// count reaches zero and the block has already been flushed, the block
// is removed from its BlockIndex.
func (cb *CommittedBlock) Dispose() {
	cb.mu.Lock()
	cb.leases--
	if cb.leases < 0 {
		cb.mu.Unlock()
		panic("blockstate: dispose called more times than acquire_lease on a CommittedBlock")
	}
	cb.maybeFinishLocked()
}

// markFlushed records that the Flusher has durably written this block.
// Combined with Dispose, this is the other half of the "flushed AND
// leases == 0" cleanup condition.
func (cb *CommittedBlock) markFlushed() {
	cb.mu.Lock()
	cb.flushed = true
	cb.maybeFinishLocked()
}

// maybeFinishLocked must be called with cb.mu held; it always unlocks.
func (cb *CommittedBlock) maybeFinishLocked() {
	ready := cb.leases == 0 && cb.flushed && !cb.removed
	if ready {
		cb.removed = true
	}
	cb.mu.Unlock()
	if ready && cb.onDrained != nil {
		cb.onDrained(cb)
		cb.filter.Return()
	}
}

// abandon settles a sibling fork that lost the race to be finalized: it
// never gets written to the paged store, so there is no flush to wait
// for, but its commit-time lease must still be released or it would sit
// in the BlockIndex forever. Marking it flushed lets the same dual-
// condition cleanup in Dispose/markFlushed apply uniformly.
func (cb *CommittedBlock) abandon() {
	cb.markFlushed()
	cb.Dispose()
}

// Leases reports the current outstanding lease count (test/diagnostic use).
func (cb *CommittedBlock) Leases() int32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.leases
}

// lookup performs a local lookup against this block: a destroyed match
// short-circuits as authoritative-empty regardless of whether the merged
// dict itself still holds an entry for the key.
func (cb *CommittedBlock) lookup(key triekey.Key, hash64 uint64) (value []byte, meta byte, destroyed bool, ok bool) {
	if key.Path.Full() {
		addr := key.Owner
		if key.Type == triekey.Account {
			addr, _ = key.Path.ToHash()
		}
		if _, d := cb.destroyed[addr]; d {
			return nil, 0, true, true
		}
	}
	v, m, _, found := cb.mergedDict.TryGet(key.Encode(), hash64)
	return v, m, false, found
}

// isDestroyed reports whether addr was destroyed in this block.
func (cb *CommittedBlock) isDestroyed(addr common.Address) bool {
	_, ok := cb.destroyed[addr]
	return ok
}
