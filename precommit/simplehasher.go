// Package precommit provides a default blockchain.PreCommitBehavior.
// It does not build a real Merkle/Verkle trie -- the actual hashing
// scheme is intentionally out of this core's responsibility -- it exists
// so the blockchain package's own tests (and any caller that doesn't
// need a production trie) have a concrete, deterministic behavior to
// commit through.
package precommit

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/teenager-ETH/blockstate/blockchain"
	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// SimpleHasher folds every account and storage slot touched in a block
// into a single keccak256 chain, sorted by canonical key encoding so the
// result is independent of write order. Grounded on the shape of
// triedb/pathdb's execute.go: one behavior object invoked once per
// commit, reading and writing through the same LiveBlock interface.
type SimpleHasher struct{}

// New returns a ready-to-use SimpleHasher.
func New() *SimpleHasher { return &SimpleHasher{} }

type keyedEntry struct {
	key []byte
	val []byte
}

func collectEntries(commit *blockchain.LiveBlock) ([]keyedEntry, error) {
	var entries []keyedEntry

	for addr := range commit.TouchedAccounts() {
		acct, err := commit.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		blob, err := rlp.EncodeToBytes(&acct)
		if err != nil {
			return nil, err
		}
		entries = append(entries, keyedEntry{key: triekey.AccountKey(addr).Encode(), val: blob})
	}

	for addr, slots := range commit.TouchedStorageSlots() {
		for slot := range slots {
			val, err := commit.GetStorage(addr, slot, nil)
			if err != nil {
				return nil, err
			}
			entries = append(entries, keyedEntry{key: triekey.StorageKey(addr, slot).Encode(), val: val})
		}
	}

	return entries, nil
}

// BeforeCommit implements blockchain.PreCommitBehavior.
func (h *SimpleHasher) BeforeCommit(commit *blockchain.LiveBlock, cacheBudget int) (common.Hash, error) {
	entries, err := collectEntries(commit)
	if err != nil {
		return common.Hash{}, err
	}
	if len(entries) == 0 {
		return commit.ParentHash(), nil
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	root := common.Normalize(commit.ParentHash()).Bytes()
	for _, e := range entries {
		buf := make([]byte, 0, len(root)+len(e.key)+len(e.val))
		buf = append(buf, root...)
		buf = append(buf, e.key...)
		buf = append(buf, e.val...)
		root = crypto.Keccak256(buf)
	}
	var out common.Hash
	out.SetBytes(root)
	return out, nil
}

// InspectBeforeApply is the identity transform: SimpleHasher's pre_commit
// scratch encoding is already the on-disk encoding.
func (h *SimpleHasher) InspectBeforeApply(key triekey.Key, value []byte, scratch []byte) []byte {
	return value
}

// OnAccountDestroyed and OnNewAccountCreated need no bookkeeping here:
// BeforeCommit recomputes everything from LiveBlock's touched sets on
// every call.
func (h *SimpleHasher) OnAccountDestroyed(addr common.Address, commit *blockchain.LiveBlock)  {}
func (h *SimpleHasher) OnNewAccountCreated(addr common.Address, commit *blockchain.LiveBlock) {}

// CanPrefetch reports that SimpleHasher supports speculative prefetch.
func (h *SimpleHasher) CanPrefetch() bool { return true }

// PrefetchAccount warms pre_commit with addr's raw account bytes,
// tagged TagUseOnce so they never survive into the merged CommittedBlock.
func (h *SimpleHasher) PrefetchAccount(addr common.Address, get blockchain.PrefetchGetter) {
	get(triekey.AccountKey(addr), func(raw, scratch []byte) ([]byte, byte) {
		return raw, blockchain.TagUseOnce
	})
}

// PrefetchStorage warms pre_commit with addr's raw slot bytes.
func (h *SimpleHasher) PrefetchStorage(addr common.Address, slot common.Slot, get blockchain.PrefetchGetter) {
	get(triekey.StorageKey(addr, slot), func(raw, scratch []byte) ([]byte, byte) {
		return raw, blockchain.TagUseOnce
	})
}
