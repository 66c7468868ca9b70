package blockchain

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teenager-ETH/blockstate/common"
)

func TestBlockchainStartNewUnknownParentFails(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	_, err := bc.StartNew(hashN(77))
	require.ErrorIs(t, err, ErrMissingParent)
}

func TestBlockchainFinalizeAndFlushPersists(t *testing.T) {
	store := newFakeStore()
	pc := newFakePreCommit()
	bc, err := Construct(store, pc, Options{MinFlushDelay: time.Millisecond})
	require.NoError(t, err)
	defer bc.DisposeAsync()

	var mu sync.Mutex
	var flushed []common.Hash
	bc.OnFlushed(func(n uint64, h common.Hash) {
		mu.Lock()
		flushed = append(flushed, h)
		mu.Unlock()
	})

	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	addr := common.Address{1}
	require.NoError(t, lb.SetAccount(addr, common.Account{Nonce: 5}))
	hash, err := lb.Commit(1)
	require.NoError(t, err)

	require.NoError(t, bc.Finalize(hash))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1 && flushed[0] == hash
	}, time.Second, time.Millisecond)

	require.True(t, store.HasState(hash))
}

func TestBlockchainConstructRestoresJournal(t *testing.T) {
	store := newFakeStore()
	pc := newFakePreCommit()
	bc, err := Construct(store, pc, Options{MinFlushDelay: time.Millisecond})
	require.NoError(t, err)

	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	require.NoError(t, lb.SetAccount(common.Address{1}, common.Account{Nonce: 1}))
	hash, err := lb.Commit(1)
	require.NoError(t, err)
	require.NoError(t, bc.Finalize(hash))

	require.Eventually(t, func() bool { return store.HasState(hash) }, time.Second, time.Millisecond)
	require.NoError(t, bc.DisposeAsync())

	bc2, err := Construct(store, pc, Options{})
	require.NoError(t, err)
	defer bc2.DisposeAsync()

	restoredHash, restoredNumber := bc2.index.LastFinalized()
	require.Equal(t, hash, restoredHash)
	require.Equal(t, uint64(1), restoredNumber)
}

func TestBlockchainStartReadOnlyLatestFromDB(t *testing.T) {
	store := newFakeStore()
	pc := newFakePreCommit()
	bc, err := Construct(store, pc, Options{MinFlushDelay: time.Millisecond})
	require.NoError(t, err)
	defer bc.DisposeAsync()

	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	addr := common.Address{2}
	require.NoError(t, lb.SetAccount(addr, common.Account{Nonce: 3}))
	hash, err := lb.Commit(1)
	require.NoError(t, err)
	require.NoError(t, bc.Finalize(hash))
	require.Eventually(t, func() bool { return store.HasState(hash) }, time.Second, time.Millisecond)

	view, err := bc.StartReadOnlyLatestFromDB()
	require.NoError(t, err)
	defer view.Dispose()

	got, err := view.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Nonce)
}

func TestBlockchainFinalizeAbandonsSiblingFork(t *testing.T) {
	store := newFakeStore()
	pc := newFakePreCommit()
	bc, err := Construct(store, pc, Options{MinFlushDelay: time.Millisecond})
	require.NoError(t, err)
	defer bc.DisposeAsync()

	lb0, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	require.NoError(t, lb0.SetAccount(common.Address{1}, common.Account{Nonce: 1}))
	h1, err := lb0.Commit(1)
	require.NoError(t, err)
	require.NoError(t, bc.Finalize(h1))
	require.Eventually(t, func() bool { return store.HasState(h1) }, time.Second, time.Millisecond)

	lbA, err := bc.StartNew(h1)
	require.NoError(t, err)
	require.NoError(t, lbA.SetAccount(common.Address{2}, common.Account{Nonce: 10}))
	hA, err := lbA.Commit(2)
	require.NoError(t, err)

	lbB, err := bc.StartNew(h1)
	require.NoError(t, err)
	require.NoError(t, lbB.SetAccount(common.Address{2}, common.Account{Nonce: 20}))
	hB, err := lbB.Commit(2)
	require.NoError(t, err)
	require.NotEqual(t, hA, hB)

	require.True(t, bc.index.HasState(hB), "hB is registered before finalization picks a winner")

	require.NoError(t, bc.Finalize(hA))
	require.Eventually(t, func() bool { return store.HasState(hA) }, time.Second, time.Millisecond)

	require.False(t, store.HasState(hB))
	require.Eventually(t, func() bool { return !bc.index.HasState(hB) }, time.Second, time.Millisecond,
		"the losing fork must be dropped from the index once its sibling reaches disk")
}

func TestBlockchainDisposeAsyncIsIdempotent(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	require.NoError(t, bc.DisposeAsync())
	require.NoError(t, bc.DisposeAsync())
}

func TestBlockchainStatsReportsQueueLength(t *testing.T) {
	store := newFakeStore()
	pc := newFakePreCommit()
	bc, err := Construct(store, pc, Options{MinFlushDelay: time.Hour})
	require.NoError(t, err)
	defer bc.DisposeAsync()

	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	require.NoError(t, lb.SetAccount(common.Address{1}, common.Account{Nonce: 1}))
	hash, err := lb.Commit(1)
	require.NoError(t, err)
	require.NoError(t, bc.Finalize(hash))

	require.Eventually(t, func() bool { return bc.Stats().QueueLength >= 0 }, time.Second, time.Millisecond)
}

func TestBlockchainCheckFlusherAliveAfterFailure(t *testing.T) {
	store := newFakeStore()
	pc := newFakePreCommit()
	bc, err := Construct(store, pc, Options{MinFlushDelay: time.Millisecond})
	require.NoError(t, err)
	defer bc.DisposeAsync()

	failed := make(chan error, 1)
	bc.OnFlusherFailure(func(err error) { failed <- err })

	// Simulate a failed flusher directly rather than provoking a real
	// I/O error, then exercise checkFlusherAlive through StartNew.
	bc.flusher.fail(errFlushSimulated)

	select {
	case err := <-failed:
		require.ErrorIs(t, err, errFlushSimulated)
	case <-time.After(time.Second):
		t.Fatal("onFailure callback never fired")
	}

	_, err = bc.StartNew(common.ZERO)
	require.ErrorIs(t, err, ErrFlusherFailed)
}

var errFlushSimulated = simulatedFlushError{}

type simulatedFlushError struct{}

func (simulatedFlushError) Error() string { return "simulated flush failure" }
