package blockchain

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/teenager-ETH/blockstate/common"
)

// Blockchain is the top-level entry point: it owns the
// process-wide Pool and worker pool, the BlockIndex, the finalize queue
// and its Flusher, and the Accessor built over them. Everything else
// (LiveBlock, CommittedBlock, ReadOnlyView, RawState, Prefetcher) is
// reached through it.
type Blockchain struct {
	store     PagedStore
	preCommit PreCommitBehavior
	options   Options

	pagePool *Pool
	workers  *workerPool
	index    *BlockIndex
	queue    *finalizeQueue
	flusher  *Flusher
	accessor *Accessor

	mu        sync.Mutex
	onFlushed func(blockNumber uint64, hash common.Hash)
	onFailure func(err error)
	closed    bool
}

// Construct opens a Blockchain over store, using preCommit to compute
// state roots on commit. It restores the last-finalized block identity
// from store's journal, if any, and immediately starts the background
// Flusher, the same open sequence triedb/pathdb.New follows.
func Construct(store PagedStore, preCommit PreCommitBehavior, opts Options) (*Blockchain, error) {
	opts = opts.sanitize()
	log.Info("Opening blockstate blockchain", opts.fields()...)

	queue := newFinalizeQueue(opts.FinalizationQueueLimit)
	index := newBlockIndex(queue)
	pagePool := NewPool()

	bc := &Blockchain{
		store:     store,
		preCommit: preCommit,
		options:   opts,
		pagePool:  pagePool,
		workers:   newWorkerPool(defaultWorkerPoolSize),
		index:     index,
		queue:     queue,
	}
	bc.accessor = newAccessor(bc, 0)

	if latest, err := store.BeginReadOnlyBatch("journal-restore"); err == nil {
		if j, ok, jerr := readJournal(latest); jerr == nil && ok {
			index.restoreFinalized(j)
		}
		latest.Release()
	}

	bc.flusher = newFlusher(store, preCommit, pagePool, queue, index, bc.accessor, opts)
	bc.flusher.onFlushed = func(n uint64, h common.Hash) {
		bc.mu.Lock()
		cb := bc.onFlushed
		bc.mu.Unlock()
		if cb != nil {
			cb(n, h)
		}
	}
	bc.flusher.onFailure = func(err error) {
		log.Error("Blockstate flusher failed, blockchain is stuck", "err", err)
		bc.mu.Lock()
		cb := bc.onFailure
		bc.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	}
	bc.flusher.Start()
	return bc, nil
}

// OnFlushed registers the callback fired, from the flusher goroutine,
// after each block is durably written.
func (bc *Blockchain) OnFlushed(cb func(blockNumber uint64, hash common.Hash)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.onFlushed = cb
}

// OnFlusherFailure registers the callback fired if the background
// flusher terminates after an I/O error.
func (bc *Blockchain) OnFlusherFailure(cb func(err error)) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.onFailure = cb
}

func (bc *Blockchain) checkFlusherAlive() error {
	if err := bc.flusher.Err(); err != nil {
		return ErrFlusherFailed
	}
	return nil
}

// buildAncestorChain resolves hash into a leased chain of in-memory
// CommittedBlocks plus the database batch rooted beneath the oldest one
// still in memory (or beneath hash itself, if hash isn't in memory at
// all). Returns ErrMissingParent if hash is neither a known in-memory
// block nor reconstructable from the paged store.
func (bc *Blockchain) buildAncestorChain(hash common.Hash) ([]*CommittedBlock, Batch, *BitFilter, error) {
	var ancestors []*CommittedBlock
	cur := hash
	for cur != common.ZERO {
		cb, ok := bc.index.get(cur)
		if !ok {
			break
		}
		cb.AcquireLease()
		ancestors = append(ancestors, cb)
		cur = cb.parentHash
	}

	batch, err := bc.store.BeginReadOnlyBatchOrLatest(cur, "ancestor-chain")
	if err != nil {
		for _, cb := range ancestors {
			cb.Dispose()
		}
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMissingParent, err)
	}
	if cur != common.ZERO && batch.Metadata().StateHash != cur {
		batch.Release()
		for _, cb := range ancestors {
			cb.Dispose()
		}
		return nil, nil, nil, ErrMissingParent
	}

	var filter *BitFilter
	if len(ancestors) > 0 {
		filter = NewBitFilter(bc.pagePool, bc.options.FilterPages)
		for _, cb := range ancestors {
			filter.OrWith(cb.filter)
		}
	}
	return ancestors, batch, filter, nil
}

// StartNew opens a new LiveBlock on top of parent.
func (bc *Blockchain) StartNew(parent common.Hash) (*LiveBlock, error) {
	if err := bc.checkFlusherAlive(); err != nil {
		return nil, err
	}
	parent = common.Normalize(parent)
	ancestors, batch, filter, err := bc.buildAncestorChain(parent)
	if err != nil {
		return nil, err
	}
	return newLiveBlock(bc, parent, batch, ancestors, filter), nil
}

// StartReadOnly opens a stable read view rooted exactly at hash.
func (bc *Blockchain) StartReadOnly(hash common.Hash) (*ReadOnlyView, error) {
	hash = common.Normalize(hash)
	ancestors, batch, filter, err := bc.buildAncestorChain(hash)
	if err != nil {
		return nil, err
	}
	return newReadOnlyView(bc, hash, batch, ancestors, filter), nil
}

// StartReadOnlyLatestFromDB opens a read view rooted at whatever state
// the paged store currently considers latest, bypassing the in-memory
// index entirely.
func (bc *Blockchain) StartReadOnlyLatestFromDB() (*ReadOnlyView, error) {
	batch, err := bc.store.BeginReadOnlyBatchOrLatest(common.ZERO, "read-only-latest")
	if err != nil {
		return nil, err
	}
	return newReadOnlyView(bc, batch.Metadata().StateHash, batch, nil, nil), nil
}

// StartRaw opens a RawState for bulk import on top of parent, to be
// persisted under (blockNumber, hash) once committed.
func (bc *Blockchain) StartRaw(parent common.Hash, blockNumber uint64, hash common.Hash) (*RawState, error) {
	lb, err := bc.StartNew(parent)
	if err != nil {
		return nil, err
	}
	return &RawState{chain: bc, block: lb, blockNumber: blockNumber, hash: common.Normalize(hash)}, nil
}

// Finalize finalizes hash and every not-yet-finalized ancestor on its
// chain, handing them to the Flusher.
func (bc *Blockchain) Finalize(hash common.Hash) error {
	return bc.index.Finalize(hash)
}

// HasState reports whether hash is known either in memory or on disk.
// ZERO (the empty state, which every StartNew can build on) is always
// reported as present.
func (bc *Blockchain) HasState(hash common.Hash) bool {
	hash = common.Normalize(hash)
	if hash == common.ZERO {
		return true
	}
	return bc.index.HasState(hash) || bc.store.HasState(hash)
}

// BuildReadOnlyAccessor returns the Blockchain's long-lived Accessor.
func (bc *Blockchain) BuildReadOnlyAccessor() *Accessor {
	return bc.accessor
}

// VerifyDBIntegrityOnCommit toggles the paged store's page-verification
// pass for subsequent flushes.
func (bc *Blockchain) VerifyDBIntegrityOnCommit(enabled bool) {
	bc.mu.Lock()
	bc.options.VerifyDBPagesOnCommit = enabled
	bc.mu.Unlock()
	bc.flusher.SetVerifyPages(enabled)
}

// Stats reports lightweight diagnostic counters.
type Stats struct {
	QueueLength          int
	PagePoolOutstanding  int64
	AccessorCacheEntries uint64
	AccessorCacheBytes   uint64
}

// Stats reports the current queue depth, outstanding page count, and
// accessor cache occupancy.
func (bc *Blockchain) Stats() Stats {
	entries, bytes := bc.accessor.Stats()
	return Stats{
		QueueLength:          bc.queue.len(),
		PagePoolOutstanding:  bc.pagePool.Outstanding(),
		AccessorCacheEntries: entries,
		AccessorCacheBytes:   bytes,
	}
}

// DisposeAsync stops the background flusher (draining whatever is
// already queued) and the prefetch worker pool. Safe to call more than
// once.
func (bc *Blockchain) DisposeAsync() error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return nil
	}
	bc.closed = true
	bc.mu.Unlock()

	bc.flusher.Stop()
	bc.accessor.dispose()
	return bc.workers.Close()
}
