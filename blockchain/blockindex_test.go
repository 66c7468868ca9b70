package blockchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teenager-ETH/blockstate/common"
)

func hashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func chainBlock(pool *Pool, n byte, parent common.Hash, number uint64) *CommittedBlock {
	filter := NewBitFilter(pool, 1)
	return newCommittedBlock(NewSpanDict(), filter, nil, hashN(n), parent, number, false)
}

func TestBlockIndexAddAndGet(t *testing.T) {
	pool := NewPool()
	bi := newBlockIndex(newFinalizeQueue(nil))
	cb := chainBlock(pool, 1, common.ZERO, 1)
	bi.add(cb)

	got, ok := bi.get(hashN(1))
	require.True(t, ok)
	require.Same(t, cb, got)
	require.True(t, bi.HasState(hashN(1)))
	require.False(t, bi.HasState(hashN(2)))
}

func TestBlockIndexAddDuplicateHashDiscardsNew(t *testing.T) {
	pool := NewPool()
	bi := newBlockIndex(newFinalizeQueue(nil))
	first := chainBlock(pool, 1, common.ZERO, 1)
	bi.add(first)

	second := chainBlock(pool, 1, common.ZERO, 1)
	returned := bi.add(second)
	require.Same(t, first, returned, "a duplicate hash commit must keep the original registration")
}

func TestBlockIndexRemoveOnDrain(t *testing.T) {
	pool := NewPool()
	bi := newBlockIndex(newFinalizeQueue(nil))
	cb := chainBlock(pool, 1, common.ZERO, 1)
	bi.add(cb)

	cb.markFlushed()
	cb.Dispose() // drops the construction lease, triggers onDrained -> bi.remove

	_, ok := bi.get(hashN(1))
	require.False(t, ok)
}

func TestBlockIndexFinalizeWalksAncestorChain(t *testing.T) {
	pool := NewPool()
	q := newFinalizeQueue(nil)
	bi := newBlockIndex(q)

	b1 := chainBlock(pool, 1, common.ZERO, 1)
	b2 := chainBlock(pool, 2, hashN(1), 2)
	b3 := chainBlock(pool, 3, hashN(2), 3)
	bi.add(b1)
	bi.add(b2)
	bi.add(b3)

	err := bi.Finalize(hashN(3))
	require.NoError(t, err)

	// oldest first
	got, ok := q.tryPop()
	require.True(t, ok)
	require.Same(t, b1, got)
	got, ok = q.tryPop()
	require.True(t, ok)
	require.Same(t, b2, got)
	got, ok = q.tryPop()
	require.True(t, ok)
	require.Same(t, b3, got)

	hash, number := bi.LastFinalized()
	require.Equal(t, hashN(3), hash)
	require.Equal(t, uint64(3), number)
}

func TestBlockIndexFinalizeUnknownHash(t *testing.T) {
	bi := newBlockIndex(newFinalizeQueue(nil))
	err := bi.Finalize(hashN(99))
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestBlockIndexFinalizeAlreadyFinalizedIsNoOp(t *testing.T) {
	pool := NewPool()
	q := newFinalizeQueue(nil)
	bi := newBlockIndex(q)
	b1 := chainBlock(pool, 1, common.ZERO, 1)
	bi.add(b1)

	require.NoError(t, bi.Finalize(hashN(1)))
	q.tryPop()
	require.NoError(t, bi.Finalize(hashN(1)))
	_, ok := q.tryPop()
	require.False(t, ok, "re-finalizing the same hash must not requeue")
}

func TestBlockIndexFinalizeBrokenAncestorChainPanics(t *testing.T) {
	pool := NewPool()
	bi := newBlockIndex(newFinalizeQueue(nil))
	// b2's parent (hashN(1)) was never registered and isn't ZERO.
	b2 := chainBlock(pool, 2, hashN(1), 2)
	bi.add(b2)

	require.Panics(t, func() { bi.Finalize(hashN(2)) })
}

func TestBlockIndexSiblingsSettlesLosingForks(t *testing.T) {
	pool := NewPool()
	bi := newBlockIndex(newFinalizeQueue(nil))

	winner := chainBlock(pool, 1, common.ZERO, 2)
	loser := chainBlock(pool, 2, common.ZERO, 2)
	bi.add(winner)
	bi.add(loser)

	siblings := bi.siblings(winner)
	require.Len(t, siblings, 1)
	for _, s := range siblings {
		s.abandon()
	}

	require.Equal(t, int32(0), loser.Leases(), "the losing fork's commit-time lease must be released")
	_, ok := bi.get(hashN(2))
	require.False(t, ok, "an abandoned sibling must be removed from the index")

	// winner is untouched: still registered, lease intact.
	_, ok = bi.get(hashN(1))
	require.True(t, ok)
	require.Equal(t, int32(1), winner.Leases())
}

func TestBlockIndexSiblingsIgnoresOtherNumbers(t *testing.T) {
	pool := NewPool()
	bi := newBlockIndex(newFinalizeQueue(nil))

	b1 := chainBlock(pool, 1, common.ZERO, 1)
	b2 := chainBlock(pool, 2, hashN(1), 2)
	bi.add(b1)
	bi.add(b2)

	require.Empty(t, bi.siblings(b2))

	_, ok := bi.get(hashN(1))
	require.True(t, ok, "a block at a different number is not a sibling")
	require.Equal(t, int32(1), b1.Leases())
}

func TestBlockIndexRestoreFinalized(t *testing.T) {
	bi := newBlockIndex(newFinalizeQueue(nil))
	bi.restoreFinalized(journal{BlockNumber: 7, Hash: hashN(7)})
	hash, number := bi.LastFinalized()
	require.Equal(t, hashN(7), hash)
	require.Equal(t, uint64(7), number)
}
