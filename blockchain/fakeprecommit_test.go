package blockchain

import (
	"sync"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// fakePreCommit is a minimal PreCommitBehavior for this package's own
// tests: it never builds a real hash, just a deterministic, distinct
// per-call value, so LiveBlock.Commit's "empty block" and "changed state"
// branches can both be exercised precisely.
type fakePreCommit struct {
	mu sync.Mutex

	calls            int
	destroyedCalls   []common.Address
	newAccountCalls  []common.Address
	canPrefetch      bool
	prefetchAccounts []common.Address
	prefetchStorage  []common.Address
}

func newFakePreCommit() *fakePreCommit {
	return &fakePreCommit{canPrefetch: true}
}

func (f *fakePreCommit) BeforeCommit(commit *LiveBlock, cacheBudget int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(commit.TouchedAccounts()) == 0 && len(commit.TouchedStorageSlots()) == 0 {
		return commit.ParentHash(), nil
	}
	f.calls++
	var h common.Hash
	h[30] = byte(f.calls >> 8)
	h[31] = byte(f.calls)
	return h, nil
}

func (f *fakePreCommit) InspectBeforeApply(key triekey.Key, value []byte, scratch []byte) []byte {
	return value
}

func (f *fakePreCommit) OnAccountDestroyed(addr common.Address, commit *LiveBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyedCalls = append(f.destroyedCalls, addr)
}

func (f *fakePreCommit) OnNewAccountCreated(addr common.Address, commit *LiveBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newAccountCalls = append(f.newAccountCalls, addr)
}

func (f *fakePreCommit) CanPrefetch() bool { return f.canPrefetch }

func (f *fakePreCommit) PrefetchAccount(addr common.Address, get PrefetchGetter) {
	f.mu.Lock()
	f.prefetchAccounts = append(f.prefetchAccounts, addr)
	f.mu.Unlock()
	get(triekey.AccountKey(addr), func(raw, scratch []byte) ([]byte, byte) {
		return raw, TagUseOnce
	})
}

func (f *fakePreCommit) PrefetchStorage(addr common.Address, slot common.Slot, get PrefetchGetter) {
	f.mu.Lock()
	f.prefetchStorage = append(f.prefetchStorage, addr)
	f.mu.Unlock()
	get(triekey.StorageKey(addr, slot), func(raw, scratch []byte) ([]byte, byte) {
		return raw, TagUseOnce
	})
}
