package blockchain

import (
	"sync"

	"github.com/teenager-ETH/blockstate/common"
)

// BlockIndex is the process-wide registry of every CommittedBlock still
// reachable in memory: a hash index, a secondary index by
// block number (forks share a number), and the finalize queue that feeds
// the Flusher. It holds exactly one lease per live CommittedBlock -- the
// lease taken at construction in LiveBlock.Commit -- until that block is
// both flushed and free of every other outstanding lease.
type BlockIndex struct {
	mu     sync.Mutex
	byHash map[common.Hash]*CommittedBlock
	// byNumber indexes forks sharing a block number; most queries only
	// ever need byHash, but siblings uses it to find losing forks.
	byNumber map[uint64][]*CommittedBlock

	lastFinalizedHash   common.Hash
	lastFinalizedNumber uint64

	queue *finalizeQueue
}

func newBlockIndex(queue *finalizeQueue) *BlockIndex {
	return &BlockIndex{
		byHash:   make(map[common.Hash]*CommittedBlock),
		byNumber: make(map[uint64][]*CommittedBlock),
		queue:    queue,
	}
}

// add registers cb, wiring its drain callback to this index. If a block
// with the same hash is already registered (a redundant commit of the
// same logical state), cb is discarded and the existing block returned.
func (bi *BlockIndex) add(cb *CommittedBlock) *CommittedBlock {
	bi.mu.Lock()
	if existing, ok := bi.byHash[cb.hash]; ok {
		bi.mu.Unlock()
		cb.Dispose()
		return existing
	}
	cb.onDrained = bi.remove
	bi.byHash[cb.hash] = cb
	bi.byNumber[cb.blockNumber] = append(bi.byNumber[cb.blockNumber], cb)
	bi.mu.Unlock()
	return cb
}

// remove is the CommittedBlock drain callback: it deletes cb from both
// indexes once it has been flushed and fully unleased.
func (bi *BlockIndex) remove(cb *CommittedBlock) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	delete(bi.byHash, cb.hash)
	list := bi.byNumber[cb.blockNumber]
	for i, e := range list {
		if e == cb {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(bi.byNumber, cb.blockNumber)
	} else {
		bi.byNumber[cb.blockNumber] = list
	}
}

// siblings returns every other in-memory CommittedBlock sharing keep's
// block number, without touching any of them: once one fork at a given
// number reaches the paged store, every sibling it returns is a losing
// fork the caller still needs to notify (the Accessor) before settling
// (CommittedBlock.abandon).
func (bi *BlockIndex) siblings(keep *CommittedBlock) []*CommittedBlock {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	list := bi.byNumber[keep.blockNumber]
	out := make([]*CommittedBlock, 0, len(list))
	for _, cb := range list {
		if cb != keep {
			out = append(out, cb)
		}
	}
	return out
}

// get returns the in-memory CommittedBlock for hash, if any.
func (bi *BlockIndex) get(hash common.Hash) (*CommittedBlock, bool) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	cb, ok := bi.byHash[hash]
	return cb, ok
}

// HasState reports whether hash is reachable either in memory or (the
// caller is expected to also check) on disk; this method only answers
// for the in-memory half.
func (bi *BlockIndex) HasState(hash common.Hash) bool {
	_, ok := bi.get(hash)
	return ok
}

// snapshot returns every live CommittedBlock, leasing each so the caller
// can safely inspect them after releasing the index lock.
func (bi *BlockIndex) snapshot() []*CommittedBlock {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	out := make([]*CommittedBlock, 0, len(bi.byHash))
	for _, cb := range bi.byHash {
		cb.AcquireLease()
		out = append(out, cb)
	}
	return out
}

// Finalize walks the ancestor chain from hash back to the last
// finalized block (or genesis), pushing every block on that chain onto
// the finalize queue exactly once, oldest first. A parent hash that is
// neither the last finalized block, ZERO, nor a known in-memory block is
// a broken ancestor chain -- a programming error -- and
// panics rather than returning an error.
func (bi *BlockIndex) Finalize(hash common.Hash) error {
	hash = common.Normalize(hash)
	bi.mu.Lock()
	if hash == bi.lastFinalizedHash {
		bi.mu.Unlock()
		return nil
	}
	cb, ok := bi.byHash[hash]
	if !ok {
		bi.mu.Unlock()
		return ErrUnknownState
	}

	chain := []*CommittedBlock{cb}
	cur := cb
	for cur.parentHash != bi.lastFinalizedHash && cur.parentHash != common.ZERO {
		parent, ok := bi.byHash[cur.parentHash]
		if !ok {
			bi.mu.Unlock()
			panic("blockstate: finalize found a broken ancestor chain")
		}
		chain = append(chain, parent)
		cur = parent
	}
	bi.lastFinalizedHash = hash
	bi.lastFinalizedNumber = cb.blockNumber
	bi.mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		bi.queue.push(chain[i])
	}
	return nil
}

// restoreFinalized seeds lastFinalizedHash/Number from a persisted
// journal entry on startup, before any block has been committed in this
// process.
func (bi *BlockIndex) restoreFinalized(j journal) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	bi.lastFinalizedHash = j.Hash
	bi.lastFinalizedNumber = j.BlockNumber
}

// LastFinalized reports the most recently finalized block identity.
func (bi *BlockIndex) LastFinalized() (common.Hash, uint64) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	return bi.lastFinalizedHash, bi.lastFinalizedNumber
}
