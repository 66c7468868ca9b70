package blockchain

import (
	"context"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// CommitOption tunes how aggressively a WriteBatch is made durable.
type CommitOption int

const (
	// FlushDataOnly forces the batch's data to be durable (fsync) before
	// Commit returns. The Flusher uses this when it has just drained the
	// finalization queue.
	FlushDataOnly CommitOption = iota
	// DangerNoFlush lets the batch land in the OS page cache without an
	// explicit fsync; the Flusher uses this between queued blocks so a
	// single fsync can cover the whole drained run.
	DangerNoFlush
	// DangerNoWrite validates a batch without persisting it; used only by
	// verification tooling.
	DangerNoWrite
)

// BatchMetadata is the (block_number, state_hash) pair every committed
// batch in the paged store carries, the only persisted layout this core
// adds on top of the paged store itself.
type BatchMetadata struct {
	BlockNumber uint64
	StateHash   common.Hash
}

// Batch is a read-only view into the paged store rooted at one state.
type Batch interface {
	Metadata() BatchMetadata
	TryGet(key []byte) ([]byte, bool, error)
	Release()
}

// WriteBatch is a writable paged-store transaction. The Flusher is the
// only component permitted to hold one at a time.
type WriteBatch interface {
	SetRaw(key []byte, value []byte) error
	Destroy(path triekey.Path) error
	DeleteByPrefix(key []byte) error
	SetMetadata(blockNumber uint64, hash common.Hash) error
	Commit(ctx context.Context, opt CommitOption) error
	VerifyDBPagesOnCommit(enabled bool)
}

// PagedStore is the external, on-disk collaborator this core never
// implements directly: it is handed one by the caller and only consumed
// through this interface.
type PagedStore interface {
	BeginReadOnlyBatch(label string) (Batch, error)
	// BeginReadOnlyBatchOrLatest returns a batch rooted exactly at hash if
	// still persisted, else the most recent batch, using hash only as a
	// hint for logging/metrics.
	BeginReadOnlyBatchOrLatest(hash common.Hash, label string) (Batch, error)
	BeginNextBatch() (WriteBatch, error)
	HasState(hash common.Hash) bool
	SnapshotAll() ([]Batch, error)
	HistoryDepth() uint32
	Flush() error
}

// PreCommitBehavior computes the state root from raw account/storage
// mutations, materializing merkle nodes into the block's pre_commit
// scratch dict. Its actual algorithm (the merkle/verkle hashing scheme)
// is out of scope for this core; this interface is the
// boundary.
type PreCommitBehavior interface {
	// BeforeCommit runs once per LiveBlock.Commit, reading through commit
	// (a *LiveBlock) and writing derived nodes back into its pre_commit
	// dict via the same interface, returning the new root hash.
	BeforeCommit(commit *LiveBlock, cacheBudget int) (common.Hash, error)

	// InspectBeforeApply optionally rewrites a value at flush time (e.g.
	// to translate an in-memory scratch encoding into the paged store's
	// on-disk encoding). scratch is a Pool-leased page the behavior may
	// use to avoid allocating; it must not retain the returned slice
	// beyond the call if it aliases scratch.
	InspectBeforeApply(key triekey.Key, value []byte, scratch []byte) []byte

	// OnAccountDestroyed/OnNewAccountCreated are notification hooks: the
	// pre-commit behavior may track per-address bookkeeping it needs for
	// BeforeCommit.
	OnAccountDestroyed(addr common.Address, commit *LiveBlock)
	OnNewAccountCreated(addr common.Address, commit *LiveBlock)

	// CanPrefetch reports whether this behavior supports speculative
	// prefetching at all; LiveBlock.OpenPrefetcher returns nil if false.
	CanPrefetch() bool

	// PrefetchAccount/PrefetchStorage are run by the prefetcher worker;
	// they read via get (which itself reads through the LiveBlock) and
	// write results into pre_commit.
	PrefetchAccount(addr common.Address, get PrefetchGetter)
	PrefetchStorage(addr common.Address, slot common.Slot, get PrefetchGetter)
}

// PrefetchGetter is the get(key, transform) helper handed to
// PreCommitBehavior.Prefetch*: it probes pre_commit first, then falls
// through to the ancestor+database walk, transforms the raw value, and
// stores the transformed bytes back into pre_commit under the tag the
// transform returns.
type PrefetchGetter func(key triekey.Key, transform func(raw []byte, scratch []byte) (transformed []byte, tag byte)) []byte
