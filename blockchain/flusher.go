package blockchain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// Flusher is the single background goroutine that drains the finalize
// queue and writes committed blocks into the paged store. A run is the
// first queued block plus every further block already queued, gathered
// for at most Options.MinFlushDelay; each block of a run is committed in
// its own paged-store write, after which the Flusher releases the
// block's transferred commit-time lease and marks it flushed.
type Flusher struct {
	store     PagedStore
	preCommit PreCommitBehavior
	pagePool  *Pool
	queue     *finalizeQueue
	index     *BlockIndex
	accessor  *Accessor

	minDelay    time.Duration
	verifyPages atomic.Bool

	mu     sync.Mutex
	failed error

	onFlushed func(blockNumber uint64, hash common.Hash)
	onFailure func(err error)

	doneCh chan struct{}
}

func newFlusher(store PagedStore, preCommit PreCommitBehavior, pagePool *Pool, queue *finalizeQueue, index *BlockIndex, accessor *Accessor, opts Options) *Flusher {
	f := &Flusher{
		store:     store,
		preCommit: preCommit,
		pagePool:  pagePool,
		queue:     queue,
		index:     index,
		accessor:  accessor,
		minDelay:  opts.MinFlushDelay,
		doneCh:    make(chan struct{}),
	}
	f.verifyPages.Store(opts.VerifyDBPagesOnCommit)
	return f
}

// SetVerifyPages toggles the paged store's page-verification pass for
// subsequent flushes (Blockchain.VerifyDBIntegrityOnCommit).
func (f *Flusher) SetVerifyPages(enabled bool) { f.verifyPages.Store(enabled) }

// Start launches the drain goroutine.
func (f *Flusher) Start() {
	go f.loop()
}

// Stop closes the finalize queue and waits for the drain goroutine to
// finish whatever it was doing.
func (f *Flusher) Stop() {
	f.queue.close()
	<-f.doneCh
}

// Err returns the error that stopped the flusher, if any.
func (f *Flusher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *Flusher) loop() {
	defer close(f.doneCh)
	for {
		cb, ok := f.queue.pop()
		if !ok {
			return
		}
		batch := []*CommittedBlock{cb}
		deadline := time.Now().Add(f.minDelay)
		for time.Now().Before(deadline) {
			next, ok := f.queue.tryPop()
			if !ok {
				break
			}
			batch = append(batch, next)
		}
		if err := f.flushBatch(batch); err != nil {
			f.fail(err)
			return
		}
	}
}

// flushBatch commits each drained block in its own paged-store write: a
// partial-run crash must never leave a later block durable while an
// earlier one in the same run is not. A block commits with
// FlushDataOnly when the finalize queue is empty at that moment, and
// with DangerNoFlush (skip the fsync) otherwise -- so the last block of
// a run also commits with DangerNoFlush when more blocks are already
// queued behind it. The paged store's own sync barrier is pulled
// exactly once after the run, via Flush.
func (f *Flusher) flushBatch(batch []*CommittedBlock) error {
	start := time.Now()
	scratch := f.pagePool.Get()
	defer f.pagePool.Put(scratch)

	var bytesWritten int64
	for _, cb := range batch {
		wb, err := f.store.BeginNextBatch()
		if err != nil {
			return err
		}
		wb.VerifyDBPagesOnCommit(f.verifyPages.Load())

		if err := f.writeBlock(wb, cb, scratch, &bytesWritten); err != nil {
			return err
		}
		if err := writeJournal(wb, journal{BlockNumber: cb.blockNumber, Hash: cb.hash}); err != nil {
			return err
		}

		opt := DangerNoFlush
		if f.queue.len() == 0 {
			opt = FlushDataOnly
		}
		if err := wb.Commit(context.Background(), opt); err != nil {
			return err
		}

		siblings := f.index.siblings(cb)
		f.accessor.onCommitToDatabase(cb, siblings)

		cb.markFlushed()
		cb.Dispose()
		for _, s := range siblings {
			s.abandon()
		}
		if f.onFlushed != nil {
			f.onFlushed(cb.blockNumber, cb.hash)
		}
	}

	if err := f.store.Flush(); err != nil {
		return err
	}

	flushBytesMeter.Mark(bytesWritten)
	flushBlocksMeter.Mark(int64(len(batch)))
	flushTimeTimer.UpdateSince(start)
	return nil
}

func (f *Flusher) writeBlock(wb WriteBatch, cb *CommittedBlock, scratch []byte, bytesWritten *int64) error {
	var iterErr error
	cb.mergedDict.Iterate(func(key []byte, hash64 uint64, value []byte, meta byte, destroyed bool) IterAction {
		if iterErr != nil {
			return IterKeep
		}
		out := value
		if f.preCommit != nil {
			if k, _, derr := triekey.ReadFrom(key); derr == nil {
				out = f.preCommit.InspectBeforeApply(k, value, scratch)
			}
		}
		if err := wb.SetRaw(key, out); err != nil {
			iterErr = err
			return IterKeep
		}
		*bytesWritten += int64(len(key) + len(out))
		return IterKeep
	})
	if iterErr != nil {
		return iterErr
	}
	for addr := range cb.destroyed {
		if err := wb.Destroy(triekey.AccountKey(addr).Path); err != nil {
			return err
		}
	}
	return wb.SetMetadata(cb.blockNumber, cb.hash)
}

func (f *Flusher) fail(err error) {
	f.mu.Lock()
	f.failed = err
	f.mu.Unlock()
	if f.onFailure != nil {
		f.onFailure(err)
	}
}
