package blockchain

import (
	"container/list"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/teenager-ETH/blockstate/common"
)

// defaultAccessorCacheBytes sizes the Accessor's clean read cache; small
// enough to be a reasonable default for an embedded library, large
// enough to absorb a hot read-only workload.
const defaultAccessorCacheBytes = 32 * 1024 * 1024

// Accessor is the stable, longer-lived read surface over the Blockchain.
// It keeps a registry of ReadOnlyViews, one per hash it currently has an
// opinion about, so a hot read doesn't have to rebuild an ancestor chain
// on every call: one entry per live CommittedBlock (in-memory-backed,
// installed on OnCommitToBlockchain) and one per persisted root
// (database-backed, installed on OnCommitToDatabase), with the
// database-backed half bounded to the paged store's history depth by a
// FIFO eviction queue. A clean cache of already-decoded account/storage
// values sits on top, keyed by (state root, key), since committed state
// is immutable and therefore safe to cache unconditionally once
// resolved.
type Accessor struct {
	chain *Blockchain
	clean *fastcache.Cache

	mu      sync.RWMutex
	readers map[common.Hash]*ReadOnlyView
	dbOrder *list.List // FIFO of db-backed hashes, oldest at Front
}

func newAccessor(chain *Blockchain, cacheBytes int) *Accessor {
	if cacheBytes <= 0 {
		cacheBytes = defaultAccessorCacheBytes
	}
	a := &Accessor{
		chain:   chain,
		clean:   fastcache.New(cacheBytes),
		readers: make(map[common.Hash]*ReadOnlyView),
		dbOrder: list.New(),
	}
	a.seedFromDB()
	return a
}

// seedFromDB registers one database-backed reader per root the paged
// store already holds, so a freshly opened Blockchain answers reads
// through the registry from the start rather than only after the first
// commit.
func (a *Accessor) seedFromDB() {
	batches, err := a.chain.store.SnapshotAll()
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, batch := range batches {
		hash := batch.Metadata().StateHash
		view := newReadOnlyView(a.chain, hash, batch, nil, nil)
		a.readers[hash] = view
		a.dbOrder.PushBack(hash)
	}
}

// onCommitToBlockchain is the hook LiveBlock.Commit fires after
// registering a new CommittedBlock: it installs an in-memory-backed
// reader for hash so subsequent reads don't each rebuild the ancestor
// chain by hand. Not part of the database-backed FIFO, since it carries
// no paged-store lease to evict.
func (a *Accessor) onCommitToBlockchain(hash common.Hash) {
	view, err := a.chain.StartReadOnly(hash)
	if err != nil {
		return
	}
	a.mu.Lock()
	old := a.readers[hash]
	a.readers[hash] = view
	a.mu.Unlock()
	if old != nil {
		old.Dispose()
	}
}

// onCommitToDatabase is the hook the Flusher fires once committed has
// been durably written: it replaces committed's reader with a fresh
// database-backed one, enqueues it on the FIFO, evicts the oldest
// database-backed reader past the paged store's history depth, and
// drops the registry entry for every losing sibling fork (they will
// never be reachable on disk).
func (a *Accessor) onCommitToDatabase(committed *CommittedBlock, siblings []*CommittedBlock) {
	view, err := a.chain.store.BeginReadOnlyBatchOrLatest(committed.hash, "accessor-refresh")
	if err != nil {
		return
	}
	fresh := newReadOnlyView(a.chain, committed.hash, view, nil, nil)

	var stale []*ReadOnlyView
	a.mu.Lock()
	if old := a.readers[committed.hash]; old != nil {
		stale = append(stale, old)
	}
	a.readers[committed.hash] = fresh
	a.dbOrder.PushBack(committed.hash)

	depth := int(a.chain.store.HistoryDepth())
	for depth > 0 && a.dbOrder.Len() > depth {
		front := a.dbOrder.Front()
		a.dbOrder.Remove(front)
		evicted := front.Value.(common.Hash)
		if v := a.readers[evicted]; v != nil {
			stale = append(stale, v)
			delete(a.readers, evicted)
		}
	}

	for _, s := range siblings {
		if v := a.readers[s.hash]; v != nil {
			stale = append(stale, v)
			delete(a.readers, s.hash)
		}
	}
	a.mu.Unlock()

	for _, v := range stale {
		v.Dispose()
	}
}

// viewFor returns a leased view rooted at hash, preferring the registry
// over building a fresh ancestor chain. The caller must Dispose the
// returned view exactly once.
func (a *Accessor) viewFor(hash common.Hash) (*ReadOnlyView, error) {
	a.mu.RLock()
	v, ok := a.readers[hash]
	if ok {
		v.AcquireLease()
	}
	a.mu.RUnlock()
	if ok {
		return v, nil
	}
	return a.chain.StartReadOnly(hash)
}

// View opens a fresh ReadOnlyView rooted at hash, bypassing the
// registry. Callers must Dispose it.
func (a *Accessor) View(hash common.Hash) (*ReadOnlyView, error) {
	return a.chain.StartReadOnly(hash)
}

func accountCacheKey(hash common.Hash, addr common.Address) []byte {
	key := make([]byte, 0, 65)
	key = append(key, hash.Bytes()...)
	key = append(key, addr.Bytes()...)
	return append(key, 'A')
}

func storageCacheKey(hash common.Hash, addr common.Address, slot common.Slot) []byte {
	key := make([]byte, 0, 97)
	key = append(key, hash.Bytes()...)
	key = append(key, addr.Bytes()...)
	key = append(key, slot.Bytes()...)
	return append(key, 'S')
}

// GetAccount resolves addr as of hash, consulting (and populating) the
// clean cache before falling back to a leased view.
func (a *Accessor) GetAccount(hash common.Hash, addr common.Address) (common.Account, error) {
	cacheKey := accountCacheKey(hash, addr)
	if blob, ok := a.clean.HasGet(nil, cacheKey); ok {
		if len(blob) == 0 {
			return common.Account{}, nil
		}
		var acct common.Account
		if err := rlp.DecodeBytes(blob, &acct); err != nil {
			return common.Account{}, err
		}
		return acct, nil
	}

	view, err := a.viewFor(hash)
	if err != nil {
		return common.Account{}, err
	}
	defer view.Dispose()

	acct, err := view.GetAccount(addr)
	if err != nil {
		return common.Account{}, err
	}
	if blob, err := rlp.EncodeToBytes(&acct); err == nil {
		a.clean.Set(cacheKey, blob)
	}
	return acct, nil
}

// GetStorage resolves addr's slot as of hash, consulting (and
// populating) the clean cache before falling back to a leased view.
func (a *Accessor) GetStorage(hash common.Hash, addr common.Address, slot common.Slot, out []byte) ([]byte, error) {
	cacheKey := storageCacheKey(hash, addr, slot)
	if blob, ok := a.clean.HasGet(nil, cacheKey); ok {
		return append(out[:0], blob...), nil
	}

	view, err := a.viewFor(hash)
	if err != nil {
		return nil, err
	}
	defer view.Dispose()

	val, err := view.GetStorage(addr, slot, out)
	if err != nil {
		return nil, err
	}
	a.clean.Set(cacheKey, val)
	return val, nil
}

// Stats reports the clean cache's current size, for diagnostics.
func (a *Accessor) Stats() (entries uint64, bytes uint64) {
	var s fastcache.Stats
	a.clean.UpdateStats(&s)
	return s.EntriesCount, s.BytesSize
}

// dispose releases every lease the registry still holds, called once
// from Blockchain.DisposeAsync so a shutdown doesn't leak the paged
// store's batch leases.
func (a *Accessor) dispose() {
	a.mu.Lock()
	views := make([]*ReadOnlyView, 0, len(a.readers))
	for _, v := range a.readers {
		views = append(views, v)
	}
	a.readers = make(map[common.Hash]*ReadOnlyView)
	a.dbOrder = list.New()
	a.mu.Unlock()

	for _, v := range views {
		v.Dispose()
	}
}
