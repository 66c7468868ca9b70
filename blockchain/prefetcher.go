package blockchain

import (
	"sync"
	"sync/atomic"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

type prefetchKind uint8

const (
	prefetchAccountHint prefetchKind = iota
	prefetchStorageHint
)

type prefetchHint struct {
	addr common.Address
	slot common.Slot
	kind prefetchKind
}

const (
	prefetcherIdle int32 = iota
	prefetcherRunning
)

// prefetchHintQueueSize bounds how many speculative hints a Prefetcher
// will buffer before dropping further ones; prefetching is advisory, so
// a full queue just means the caller is producing hints faster than the
// single worker can drain them and a drop is harmless.
const prefetchHintQueueSize = 256

// Prefetcher is the single-producer (the caller), single-worker
// (the shared pool) background helper bound to one LiveBlock. It
// deduplicates hints against its own scratch BitFilter,
// lazily schedules its one worker onto the shared pool on the first
// hint, and is stopped and drained by LiveBlock.Commit before the
// pre-commit behavior runs.
type Prefetcher struct {
	block *LiveBlock
	pool  *workerPool
	seen  *BitFilter

	state   atomic.Int32
	started atomic.Bool
	hints   chan prefetchHint

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newPrefetcher(block *LiveBlock, pool *workerPool) *Prefetcher {
	return &Prefetcher{
		block:  block,
		pool:   pool,
		seen:   NewBitFilter(block.chain.pagePool, block.chain.options.FilterPages),
		hints:  make(chan prefetchHint, prefetchHintQueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// PrefetchAccount speculatively schedules a read of addr's account record.
func (p *Prefetcher) PrefetchAccount(addr common.Address) {
	p.enqueue(prefetchHint{addr: addr, kind: prefetchAccountHint})
}

// PrefetchStorage speculatively schedules a read of addr's slot.
func (p *Prefetcher) PrefetchStorage(addr common.Address, slot common.Slot) {
	p.enqueue(prefetchHint{addr: addr, slot: slot, kind: prefetchStorageHint})
}

func (p *Prefetcher) enqueue(h prefetchHint) {
	ha := triekey.HashBytes(h.addr.Bytes())
	seed := ha
	if h.kind == prefetchStorageHint {
		seed = ha ^ triekey.HashBytes(h.slot.Bytes())
	}
	if !p.seen.AddAtomic(seed) {
		prefetchDedupMeter.Mark(1)
		return
	}
	select {
	case p.hints <- h:
		prefetchHintMeter.Mark(1)
	default:
		// The worker is behind; prefetching is speculative, so drop.
		return
	}
	if p.state.CompareAndSwap(prefetcherIdle, prefetcherRunning) {
		p.started.Store(true)
		p.pool.Submit(p.run)
	}
}

// run is the single worker this Prefetcher ever schedules: it processes
// hints until told to stop, then drains whatever remains before exiting.
func (p *Prefetcher) run() {
	defer close(p.done)
	for {
		select {
		case h := <-p.hints:
			p.process(h)
		case <-p.stopCh:
			for {
				select {
				case h := <-p.hints:
					p.process(h)
				default:
					return
				}
			}
		}
	}
}

func (p *Prefetcher) process(h prefetchHint) {
	block := p.block
	block.precommitMu.Lock()
	defer block.precommitMu.Unlock()
	if !block.prefetchPossible.Load() {
		return
	}
	behavior := block.chain.preCommit
	switch h.kind {
	case prefetchAccountHint:
		behavior.PrefetchAccount(h.addr, block.prefetchGet)
	case prefetchStorageHint:
		behavior.PrefetchStorage(h.addr, h.slot, block.prefetchGet)
	}
}

// blockFurtherAndDrain flips the block's prefetch-possible flag under
// the same lock the worker takes for every hint, so no further work can
// start, then stops the worker and waits for it to empty its queue.
// Hints still queued at that point are discarded unprocessed, since
// process returns early once prefetchPossible is false. Safe to call
// even if the worker was never started.
func (p *Prefetcher) blockFurtherAndDrain() {
	p.block.precommitMu.Lock()
	p.block.prefetchPossible.Store(false)
	p.block.precommitMu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.done
	}
	p.seen.Return()
}
