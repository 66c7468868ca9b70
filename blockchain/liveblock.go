package blockchain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// depthDatabase marks a read result as having come from the paged store,
// the farthest provenance the read protocol can report.
const depthDatabase = 1 << 30

// LiveBlock is the mutable working state for one in-progress block:
// three SpanDicts (state, storage, pre-commit
// scratch), a BitFilter over everything written locally, an optional
// destroyed-account set, a parent pointer realized as a leased ancestor
// chain plus a database batch, and a cached root hash invalidated by
// every mutation. Exactly one goroutine may call the write methods or
// Commit; the only concurrent actor permitted is this block's own
// Prefetcher, and only against pre_commit and own_filter.
type LiveBlock struct {
	chain *Blockchain

	state     *SpanDict
	storage   *SpanDict
	preCommit *SpanDict
	ownFilter *BitFilter

	destroyedMu sync.Mutex
	destroyed   map[common.Address]struct{}

	parentHash      common.Hash
	batch           Batch
	ancestors       []*CommittedBlock
	ancestorsFilter *BitFilter

	mu        sync.Mutex
	rootHash  *common.Hash
	committed bool
	released  bool

	prefetcher       *Prefetcher
	precommitMu      sync.Mutex
	prefetchPossible atomic.Bool

	touchedMu       sync.Mutex
	touchedAccounts map[common.Address]struct{}
	touchedSlots    map[common.Address]map[common.Slot]struct{}

	cacheMu     sync.Mutex
	cacheSSUsed int
	cachePCUsed int

	dbReads atomic.Int64
}

func newLiveBlock(chain *Blockchain, parent common.Hash, batch Batch, ancestors []*CommittedBlock, ancestorsFilter *BitFilter) *LiveBlock {
	lb := &LiveBlock{
		chain:           chain,
		state:           NewSpanDict(),
		storage:         NewSpanDict(),
		preCommit:       NewSpanDict(),
		ownFilter:       NewBitFilter(chain.pagePool, chain.options.FilterPages),
		parentHash:      parent,
		batch:           batch,
		ancestors:       ancestors,
		ancestorsFilter: ancestorsFilter,
		touchedAccounts: make(map[common.Address]struct{}),
		touchedSlots:    make(map[common.Address]map[common.Slot]struct{}),
	}
	lb.prefetchPossible.Store(true)
	return lb
}

// ParentHash returns the hash this block was started from.
func (lb *LiveBlock) ParentHash() common.Hash { return lb.parentHash }

// Ancestors returns the leased ancestor chain, newest first. Callers must
// not mutate the returned slice or dispose the blocks themselves.
func (lb *LiveBlock) Ancestors() []*CommittedBlock { return lb.ancestors }

// TouchedAccounts returns the set of addresses written in this block.
func (lb *LiveBlock) TouchedAccounts() map[common.Address]struct{} {
	lb.touchedMu.Lock()
	defer lb.touchedMu.Unlock()
	out := make(map[common.Address]struct{}, len(lb.touchedAccounts))
	for a := range lb.touchedAccounts {
		out[a] = struct{}{}
	}
	return out
}

// TouchedStorageSlots returns the set of (address, slot) pairs written in
// this block, grouped by address.
func (lb *LiveBlock) TouchedStorageSlots() map[common.Address]map[common.Slot]struct{} {
	lb.touchedMu.Lock()
	defer lb.touchedMu.Unlock()
	out := make(map[common.Address]map[common.Slot]struct{}, len(lb.touchedSlots))
	for a, slots := range lb.touchedSlots {
		cp := make(map[common.Slot]struct{}, len(slots))
		for s := range slots {
			cp[s] = struct{}{}
		}
		out[a] = cp
	}
	return out
}

// DBReads returns the number of reads served by the paged store fallback.
func (lb *LiveBlock) DBReads() int64 { return lb.dbReads.Load() }

// Reset clears this block's write buffers (state, storage, pre_commit,
// own_filter, destroyed set and cached root hash) while keeping its
// ancestor chain and database batch leased, so a caller that aborted
// mid-execution can retry without rebuilding the ancestor chain.
func (lb *LiveBlock) Reset() {
	lb.mu.Lock()
	if lb.committed || lb.released {
		lb.mu.Unlock()
		panic("blockstate: reset called on a committed/released LiveBlock")
	}
	lb.rootHash = nil
	lb.mu.Unlock()

	lb.state = NewSpanDict()
	lb.storage = NewSpanDict()
	lb.preCommit = NewSpanDict()
	lb.ownFilter.Clear()

	lb.destroyedMu.Lock()
	lb.destroyed = nil
	lb.destroyedMu.Unlock()

	lb.touchedMu.Lock()
	lb.touchedAccounts = make(map[common.Address]struct{})
	lb.touchedSlots = make(map[common.Address]map[common.Slot]struct{})
	lb.touchedMu.Unlock()

	lb.cacheMu.Lock()
	lb.cacheSSUsed, lb.cachePCUsed = 0, 0
	lb.cacheMu.Unlock()
}

// primaryDict returns the SpanDict a Key.Type is natively stored in.
func (lb *LiveBlock) primaryDict(t triekey.Type) *SpanDict {
	if t == triekey.StorageCell {
		return lb.storage
	}
	return lb.state
}

// --- write protocol ---

func (lb *LiveBlock) invalidateRootHash() {
	lb.mu.Lock()
	lb.rootHash = nil
	lb.mu.Unlock()
}

// addOwnFilter inserts h into own_filter, atomically if the prefetcher is
// live (it is the only concurrent reader of own_filter).
func (lb *LiveBlock) addOwnFilter(h uint64) {
	if lb.prefetcher != nil {
		lb.ownFilter.AddAtomic(h)
	} else {
		lb.ownFilter.Add(h)
	}
}

func (lb *LiveBlock) write(key triekey.Key, value []byte, tag byte) {
	lb.invalidateRootHash()
	h := key.Hash64()
	lb.addOwnFilter(h)
	lb.primaryDict(key.Type).Set(key.Encode(), h, value, tag)
}

// SetAccount writes the account record for addr.
func (lb *LiveBlock) SetAccount(addr common.Address, acct common.Account) error {
	blob, err := rlp.EncodeToBytes(&acct)
	if err != nil {
		return err
	}
	lb.write(triekey.AccountKey(addr), blob, TagPersistent)
	lb.touchedMu.Lock()
	lb.touchedAccounts[addr] = struct{}{}
	lb.touchedMu.Unlock()
	return nil
}

// SetStorage writes slot's value under addr. An empty value deletes the
// slot.
func (lb *LiveBlock) SetStorage(addr common.Address, slot common.Slot, value []byte) error {
	cp := append([]byte(nil), value...)
	lb.write(triekey.StorageKey(addr, slot), cp, TagPersistent)
	lb.touchedMu.Lock()
	slots := lb.touchedSlots[addr]
	if slots == nil {
		slots = make(map[common.Slot]struct{})
		lb.touchedSlots[addr] = slots
	}
	slots[slot] = struct{}{}
	lb.touchedMu.Unlock()
	return nil
}

// DestroyAccount writes an
// empty Account at Key::Account(A), marks every existing storage/
// pre_commit entry owned by A as destroyed in place (without deleting
// it -- own_filter may already report these hashes as present, so a
// stale local hit must still observe the destruction), records A in the
// destroyed set, and notifies the pre-commit behavior.
func (lb *LiveBlock) DestroyAccount(addr common.Address) error {
	if err := lb.SetAccount(addr, common.EmptyAccount()); err != nil {
		return err
	}
	markOwned := func(key []byte, hash64 uint64, value []byte, meta byte, destroyed bool) IterAction {
		k, _, err := triekey.ReadFrom(key)
		if err != nil || k.Owner != addr {
			return IterKeep
		}
		return IterMarkDestroyed
	}
	lb.storage.Iterate(markOwned)
	lb.preCommit.Iterate(markOwned)

	lb.destroyedMu.Lock()
	if lb.destroyed == nil {
		lb.destroyed = make(map[common.Address]struct{})
	}
	lb.destroyed[addr] = struct{}{}
	lb.destroyedMu.Unlock()

	lb.invalidateRootHash()
	if lb.chain.preCommit != nil {
		lb.chain.preCommit.OnAccountDestroyed(addr, lb)
	}
	return nil
}

func (lb *LiveBlock) isDestroyed(addr common.Address) bool {
	lb.destroyedMu.Lock()
	defer lb.destroyedMu.Unlock()
	_, ok := lb.destroyed[addr]
	return ok
}

// --- read protocol ---

// readKey implements the full recursive lookup: own_filter short-circuit,
// local pre_commit/primary lookup, ancestor walk, database fallback.
// depth is 0 for a local hit, 1..N for an ancestor position, and
// depthDatabase for the paged store.
func (lb *LiveBlock) readKey(key triekey.Key) (value []byte, meta byte, found bool, depth int, err error) {
	h := key.Hash64()
	if !lb.ownFilter.MayContain(h) {
		if key.Path.Full() && lb.isDestroyed(key.Owner) {
			return nil, 0, true, 0, nil
		}
		return lb.readAncestorsAndDB(key, h)
	}
	if key.Type != triekey.StorageCell {
		if v, m, destroyed, ok := lb.preCommit.TryGet(key.Encode(), h); ok {
			if destroyed {
				return nil, 0, true, 0, nil
			}
			readOwnHitMeter.Mark(1)
			return v, m, true, 0, nil
		}
	}
	if v, m, destroyed, ok := lb.primaryDict(key.Type).TryGet(key.Encode(), h); ok {
		if destroyed {
			return nil, 0, true, 0, nil
		}
		readOwnHitMeter.Mark(1)
		return v, m, true, 0, nil
	}
	// own_filter's "maybe" was a false positive, or belongs to the other
	// local dict: fall through to ancestors/database.
	return lb.readAncestorsAndDB(key, h)
}

func (lb *LiveBlock) readAncestorsAndDB(key triekey.Key, h uint64) (value []byte, meta byte, found bool, depth int, err error) {
	var d uint64
	if key.Path.Full() {
		d = triekey.DestroyedHash64(key.Owner)
	}
	if lb.ancestorsFilter != nil && lb.ancestorsFilter.MayContainAny(h, d) {
		for i, anc := range lb.ancestors {
			v, m, destroyed, ok := anc.lookup(key, h)
			if ok {
				if destroyed {
					return nil, 0, true, 0, nil
				}
				readAncestorHitMeter.Mark(1)
				return v, m, true, i + 1, nil
			}
		}
	}
	lb.dbReads.Add(1)
	raw, ok, gerr := lb.batch.TryGet(key.Encode())
	if gerr != nil {
		return nil, 0, false, depthDatabase, gerr
	}
	if !ok {
		readMissMeter.Mark(1)
		return nil, 0, false, depthDatabase, nil
	}
	readDiskHitMeter.Mark(1)
	return raw, TagPersistent, true, depthDatabase, nil
}

func (lb *LiveBlock) maybeCacheStateStorage(key triekey.Key, h uint64, value []byte) {
	budget := lb.chain.options.CacheBudgetStateAndStorage
	lb.cacheMu.Lock()
	if lb.cacheSSUsed >= budget {
		lb.cacheMu.Unlock()
		return
	}
	lb.cacheSSUsed++
	lb.cacheMu.Unlock()

	lb.primaryDict(key.Type).Set(key.Encode(), h, append([]byte(nil), value...), TagCached)
	lb.addOwnFilter(h)
}

// GetAccount reads addr through the recursive protocol, caching the
// result locally when it came from an ancestor or the database and the
// per-block cache budget allows it.
func (lb *LiveBlock) GetAccount(addr common.Address) (common.Account, error) {
	key := triekey.AccountKey(addr)
	v, _, found, depth, err := lb.readKey(key)
	if err != nil {
		return common.Account{}, err
	}
	if !found || len(v) == 0 {
		return common.Account{}, nil
	}
	var acct common.Account
	if err := rlp.DecodeBytes(v, &acct); err != nil {
		return common.Account{}, err
	}
	if depth != 0 {
		lb.maybeCacheStateStorage(key, key.Hash64(), v)
	}
	return acct, nil
}

// GetStorage reads the slot through the recursive protocol, appending
// the result into out and returning the written sub-slice (empty if the
// slot is unset or destroyed).
func (lb *LiveBlock) GetStorage(addr common.Address, slot common.Slot, out []byte) ([]byte, error) {
	key := triekey.StorageKey(addr, slot)
	v, _, found, depth, err := lb.readKey(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return out[:0], nil
	}
	out = append(out[:0], v...)
	if depth != 0 && len(v) > 0 {
		lb.maybeCacheStateStorage(key, key.Hash64(), v)
	}
	return out, nil
}

// NotifyAccountCreated lets an external caller (the executor that just
// created addr) inform the configured pre-commit behavior, mirroring
// DestroyAccount's own call to OnAccountDestroyed. LiveBlock itself has
// no notion of "new" vs "updated" account, since SetAccount doesn't
// distinguish the two; only the caller knows.
func (lb *LiveBlock) NotifyAccountCreated(addr common.Address) {
	if lb.chain.preCommit != nil {
		lb.chain.preCommit.OnNewAccountCreated(addr, lb)
	}
}

// --- prefetch support ---

// OpenPrefetcher returns a Prefetcher handle, or nil if the pre-commit
// behavior declines prefetching. Panics if called a second time on the
// same LiveBlock (a ProgrammingError).
func (lb *LiveBlock) OpenPrefetcher() *Prefetcher {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.prefetcher != nil {
		panic("blockstate: open_prefetcher called twice on the same LiveBlock")
	}
	if lb.chain.preCommit == nil || !lb.chain.preCommit.CanPrefetch() {
		return nil
	}
	lb.prefetcher = newPrefetcher(lb, lb.chain.workers)
	return lb.prefetcher
}

// prefetchGet is the get(key, transform) helper handed to the pre-commit
// behavior's Prefetch* entry points: probe pre_commit,
// else walk ancestors+database, transform into a Pool-leased scratch
// page, store the transformed bytes in pre_commit, and record the hash
// in own_filter atomically.
func (lb *LiveBlock) prefetchGet(key triekey.Key, transform func(raw []byte, scratch []byte) ([]byte, byte)) []byte {
	h := key.Hash64()
	if v, _, destroyed, ok := lb.preCommit.TryGet(key.Encode(), h); ok {
		if destroyed {
			return nil
		}
		return v
	}
	raw, _, found, _, err := lb.readAncestorsAndDB(key, h)
	if err != nil || !found {
		raw = nil
	}
	scratch := lb.chain.pagePool.Get()
	defer lb.chain.pagePool.Put(scratch)
	transformed, tag := transform(raw, scratch)
	lb.preCommit.Set(key.Encode(), h, transformed, tag)
	lb.ownFilter.AddAtomic(h)
	return transformed
}

// --- commit ---

// Commit finalizes the block: drains the prefetcher, runs the pre-commit
// behavior, and either swallows an empty no-op block or materializes a
// CommittedBlock and registers it with the BlockIndex.
func (lb *LiveBlock) Commit(blockNumber uint64) (common.Hash, error) {
	lb.mu.Lock()
	if lb.committed || lb.released {
		lb.mu.Unlock()
		panic("blockstate: commit called on an already-committed/released LiveBlock")
	}
	lb.committed = true
	lb.mu.Unlock()

	if lb.prefetcher != nil {
		lb.prefetcher.blockFurtherAndDrain()
	}

	start := time.Now()
	newHash, err := lb.chain.preCommit.BeforeCommit(lb, lb.chain.options.CacheBudgetPreCommit)
	if err != nil {
		lb.release()
		return common.ZERO, err
	}
	newHash = common.Normalize(newHash)
	lb.mu.Lock()
	lb.rootHash = &newHash
	lb.mu.Unlock()

	parent := common.Normalize(lb.parentHash)
	if newHash == parent {
		lb.release()
		if newHash == common.ZERO {
			return common.ZERO, nil
		}
		panic("blockstate: commit produced the same non-empty state as its parent")
	}

	filter := NewBitFilter(lb.chain.pagePool, lb.chain.options.FilterPages)
	merged := NewSpanDict()
	notUseOnce := func(tag byte) bool { return tag != TagUseOnce }

	var accounts, slots int64
	lb.state.Iterate(func(key []byte, hash64 uint64, value []byte, meta byte, destroyed bool) IterAction {
		if Tag(meta) != TagUseOnce {
			accounts++
		}
		return IterKeep
	})
	lb.storage.Iterate(func(key []byte, hash64 uint64, value []byte, meta byte, destroyed bool) IterAction {
		if Tag(meta) != TagUseOnce {
			slots++
		}
		return IterKeep
	})

	lb.state.CopyTo(merged, notUseOnce, filter, true)
	lb.storage.CopyTo(merged, notUseOnce, filter, true)
	lb.preCommit.CopyTo(merged, notUseOnce, filter, false)

	lb.destroyedMu.Lock()
	destroyedSet := lb.destroyed
	lb.destroyedMu.Unlock()
	for addr := range destroyedSet {
		filter.Add(triekey.DestroyedHash64(addr))
	}

	cb := newCommittedBlock(merged, filter, destroyedSet, newHash, parent, blockNumber, false)
	accepted := lb.chain.index.add(cb)
	lb.chain.accessor.onCommitToBlockchain(accepted.hash)

	commitTimeTimer.UpdateSince(start)
	commitAccountsMeter.Mark(accounts)
	commitStoragesMeter.Mark(slots)

	lb.release()
	return newHash, nil
}

// applyRaw writes this block's three dicts directly into wb, bypassing
// CommittedBlock construction -- the path RawState.Commit uses for bulk
// import (apply_raw). Entries whose key falls under one of boundaries
// are skipped: they sit at the edge of a partial import range and may
// still be incomplete, pending a later adjoining import.
func (lb *LiveBlock) applyRaw(wb WriteBatch, boundaries []triekey.Path) error {
	skip := func(rawKey []byte) bool {
		if len(boundaries) == 0 {
			return false
		}
		k, _, err := triekey.ReadFrom(rawKey)
		if err != nil {
			return false
		}
		for _, b := range boundaries {
			if k.Path.HasPrefix(b) {
				return true
			}
		}
		return false
	}

	var outerErr error
	write := func(dict *SpanDict) {
		dict.Iterate(func(key []byte, hash64 uint64, value []byte, meta byte, destroyed bool) IterAction {
			if outerErr != nil || Tag(meta) == TagUseOnce {
				return IterKeep
			}
			if skip(key) {
				return IterKeep
			}
			if err := wb.SetRaw(key, value); err != nil {
				outerErr = err
			}
			return IterKeep
		})
	}
	write(lb.state)
	write(lb.storage)
	write(lb.preCommit)

	lb.destroyedMu.Lock()
	defer lb.destroyedMu.Unlock()
	for addr := range lb.destroyed {
		if err := wb.Destroy(triekey.AccountKey(addr).Path); err != nil && outerErr == nil {
			outerErr = err
		}
	}
	return outerErr
}

// release disposes every lease this block holds: its ancestor chain, its
// database batch, and its own filter pages.
func (lb *LiveBlock) release() {
	lb.mu.Lock()
	if lb.released {
		lb.mu.Unlock()
		return
	}
	lb.released = true
	lb.mu.Unlock()

	for _, anc := range lb.ancestors {
		anc.Dispose()
	}
	lb.ancestors = nil
	if lb.batch != nil {
		lb.batch.Release()
		lb.batch = nil
	}
	if lb.ownFilter != nil {
		lb.ownFilter.Return()
	}
	if lb.ancestorsFilter != nil {
		lb.ancestorsFilter.Return()
	}
}
