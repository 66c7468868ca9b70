package blockchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// RawState is the bulk-import path (apply_raw, exposed as
// its own lifecycle): a LiveBlock whose Commit writes directly into the
// paged store without running the pre-commit behavior, intended for
// restoring a snapshot or importing a genesis state where the caller
// already knows the resulting root hash. A RawState that is committed
// must also be finalized before disposal, or Dispose reports
// ErrRawStateNotFinalized -- unlike an ordinary LiveBlock, a raw import
// left un-finalized would otherwise leak a CommittedBlock nothing ever
// flushes.
type RawState struct {
	chain       *Blockchain
	block       *LiveBlock
	blockNumber uint64
	hash        common.Hash

	mu             sync.Mutex
	committed      bool
	finalized      bool
	disposed       bool
	boundaries     []triekey.Path
	deletePrefixes [][]byte
}

// SetAccount, SetStorage and DestroyAccount mirror LiveBlock's write
// protocol; RawState only changes what Commit does with the result.
func (r *RawState) SetAccount(addr common.Address, acct common.Account) error {
	return r.block.SetAccount(addr, acct)
}

func (r *RawState) SetStorage(addr common.Address, slot common.Slot, value []byte) error {
	return r.block.SetStorage(addr, slot, value)
}

func (r *RawState) DestroyAccount(addr common.Address) error {
	return r.block.DestroyAccount(addr)
}

// SetBoundary marks path as a range-import boundary: the nibble path at
// the edge of a partial snapshot range, whose entry may still be
// incomplete because a later, adjoining RawState import is expected to
// supply the final value. Commit skips writing any entry whose key
// falls under a registered boundary, mirroring the left/right boundary
// node filtering snap sync applies while stitching range proofs
// together.
func (r *RawState) SetBoundary(path triekey.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundaries = append(r.boundaries, path)
}

// RegisterDeleteByPrefix schedules prefix to be deleted from the paged
// store as part of Commit, before this block's raw writes land -- the
// path a bulk import uses to clear a subtree it is about to fully
// replace.
func (r *RawState) RegisterDeleteByPrefix(prefix []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletePrefixes = append(r.deletePrefixes, append([]byte(nil), prefix...))
}

// Commit writes every buffered entry directly into a new paged-store
// batch under the caller-supplied (blockNumber, hash), and registers a
// raw CommittedBlock so descendants can still build an ancestor chain
// through this block before it is finalized and flushed.
func (r *RawState) Commit() error {
	r.mu.Lock()
	if r.committed {
		r.mu.Unlock()
		panic("blockstate: raw state committed twice")
	}
	r.committed = true
	boundaries := r.boundaries
	deletePrefixes := r.deletePrefixes
	r.mu.Unlock()

	wb, err := r.chain.store.BeginNextBatch()
	if err != nil {
		return err
	}
	for _, prefix := range deletePrefixes {
		if err := wb.DeleteByPrefix(prefix); err != nil {
			return err
		}
	}
	if err := r.block.applyRaw(wb, boundaries); err != nil {
		return err
	}
	if err := wb.SetMetadata(r.blockNumber, r.hash); err != nil {
		return err
	}
	if err := wb.Commit(context.Background(), FlushDataOnly); err != nil {
		return err
	}

	filter := NewBitFilter(r.chain.pagePool, r.chain.options.FilterPages)
	merged := NewSpanDict()
	notUseOnce := func(tag byte) bool { return tag != TagUseOnce }
	r.block.state.CopyTo(merged, notUseOnce, filter, true)
	r.block.storage.CopyTo(merged, notUseOnce, filter, true)
	r.block.preCommit.CopyTo(merged, notUseOnce, filter, false)
	if len(boundaries) > 0 {
		// The Flusher writes this block's merged dict again once it is
		// finalized, so boundary entries must not survive into it either.
		merged.Iterate(func(key []byte, _ uint64, _ []byte, _ byte, _ bool) IterAction {
			if k, _, err := triekey.ReadFrom(key); err == nil {
				for _, b := range boundaries {
					if k.Path.HasPrefix(b) {
						return IterDelete
					}
				}
			}
			return IterKeep
		})
	}

	r.block.destroyedMu.Lock()
	destroyed := r.block.destroyed
	r.block.destroyedMu.Unlock()
	for addr := range destroyed {
		filter.Add(triekey.DestroyedHash64(addr))
	}

	parent := common.Normalize(r.block.parentHash)
	cb := newCommittedBlock(merged, filter, destroyed, r.hash, parent, r.blockNumber, true)
	r.chain.index.add(cb)

	r.block.release()
	return nil
}

// Finalize finalizes this RawState's own hash through the owning
// Blockchain, folding in any other not-yet-finalized ancestors on the
// same chain.
func (r *RawState) Finalize() error {
	r.mu.Lock()
	if !r.committed {
		r.mu.Unlock()
		return fmt.Errorf("blockstate: raw state not yet committed")
	}
	r.finalized = true
	r.mu.Unlock()
	return r.chain.Finalize(r.hash)
}

// Dispose releases this RawState. If it was committed but never
// finalized, it returns ErrRawStateNotFinalized without releasing the
// CommittedBlock's lease -- the caller must still finalize (or the
// Blockchain must be torn down) to avoid leaking it.
func (r *RawState) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}
	r.disposed = true
	if r.committed && !r.finalized {
		return ErrRawStateNotFinalized
	}
	if !r.committed {
		r.block.release()
	}
	return nil
}
