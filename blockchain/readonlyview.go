package blockchain

import (
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// ReadOnlyView is a stable, immutable read handle rooted at one state:
// a leased ancestor chain starting at the requested
// hash plus the database batch beneath it. It never sees the writer's
// in-progress mutations -- there is no own_filter or own dict -- so its
// read path is the ancestor-walk-then-database half of LiveBlock's
// protocol only.
type ReadOnlyView struct {
	chain           *Blockchain
	hash            common.Hash
	batch           Batch
	ancestors       []*CommittedBlock
	ancestorsFilter *BitFilter

	mu     sync.Mutex
	leases int32
}

func newReadOnlyView(chain *Blockchain, hash common.Hash, batch Batch, ancestors []*CommittedBlock, ancestorsFilter *BitFilter) *ReadOnlyView {
	return &ReadOnlyView{
		chain:           chain,
		hash:            hash,
		batch:           batch,
		ancestors:       ancestors,
		ancestorsFilter: ancestorsFilter,
		leases:          1,
	}
}

// AcquireLease takes an additional lease on this view, required before
// a caller (the Accessor's registry, handing the same view to more than
// one concurrent reader) may retain a reference past the call that
// produced it. Panics if called after the view has already been fully
// disposed.
func (v *ReadOnlyView) AcquireLease() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.leases <= 0 {
		panic("blockstate: acquire_lease on a ReadOnlyView with no outstanding leases")
	}
	v.leases++
}

// Hash returns the state root this view is rooted at.
func (v *ReadOnlyView) Hash() common.Hash { return v.hash }

func (v *ReadOnlyView) readKey(key triekey.Key) (value []byte, found bool, err error) {
	h := key.Hash64()
	var d uint64
	if key.Path.Full() {
		d = triekey.DestroyedHash64(key.Owner)
	}
	if v.ancestorsFilter != nil && v.ancestorsFilter.MayContainAny(h, d) {
		for _, anc := range v.ancestors {
			val, _, destroyed, ok := anc.lookup(key, h)
			if ok {
				if destroyed {
					return nil, false, nil
				}
				readAncestorHitMeter.Mark(1)
				return val, true, nil
			}
		}
	}
	raw, ok, gerr := v.batch.TryGet(key.Encode())
	if gerr != nil {
		return nil, false, gerr
	}
	if !ok {
		readMissMeter.Mark(1)
		return nil, false, nil
	}
	readDiskHitMeter.Mark(1)
	return raw, true, nil
}

// GetAccount reads addr as of this view's state root.
func (v *ReadOnlyView) GetAccount(addr common.Address) (common.Account, error) {
	val, found, err := v.readKey(triekey.AccountKey(addr))
	if err != nil {
		return common.Account{}, err
	}
	if !found || len(val) == 0 {
		return common.Account{}, nil
	}
	var acct common.Account
	if err := rlp.DecodeBytes(val, &acct); err != nil {
		return common.Account{}, err
	}
	return acct, nil
}

// GetStorage reads addr's slot as of this view's state root, appending
// into out.
func (v *ReadOnlyView) GetStorage(addr common.Address, slot common.Slot, out []byte) ([]byte, error) {
	val, found, err := v.readKey(triekey.StorageKey(addr, slot))
	if err != nil {
		return nil, err
	}
	if !found {
		return out[:0], nil
	}
	return append(out[:0], val...), nil
}

// Dispose releases one lease. Panics on over-release. The underlying
// ancestor leases, batch, and filter are only released once every lease
// handed out by AcquireLease has been returned.
func (v *ReadOnlyView) Dispose() {
	v.mu.Lock()
	v.leases--
	if v.leases < 0 {
		v.mu.Unlock()
		panic("blockstate: dispose called more times than acquire_lease on a ReadOnlyView")
	}
	done := v.leases == 0
	v.mu.Unlock()
	if !done {
		return
	}

	for _, anc := range v.ancestors {
		anc.Dispose()
	}
	if v.batch != nil {
		v.batch.Release()
	}
	if v.ancestorsFilter != nil {
		v.ancestorsFilter.Return()
	}
}
