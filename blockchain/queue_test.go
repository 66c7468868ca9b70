package blockchain

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teenager-ETH/blockstate/common"
)

func testCommittedBlock(blockNumber uint64) *CommittedBlock {
	pool := NewPool()
	filter := NewBitFilter(pool, 1)
	var hash common.Hash
	hash[0] = byte(blockNumber)
	return newCommittedBlock(NewSpanDict(), filter, nil, hash, common.ZERO, blockNumber, false)
}

func TestFinalizeQueuePushPopFIFO(t *testing.T) {
	q := newFinalizeQueue(nil)
	a := testCommittedBlock(1)
	b := testCommittedBlock(2)
	q.push(a)
	q.push(b)
	require.Equal(t, 2, q.len())

	got, ok := q.pop()
	require.True(t, ok)
	require.Same(t, a, got)

	got, ok = q.pop()
	require.True(t, ok)
	require.Same(t, b, got)
}

func TestFinalizeQueueTryPop(t *testing.T) {
	q := newFinalizeQueue(nil)
	_, ok := q.tryPop()
	require.False(t, ok)

	cb := testCommittedBlock(1)
	q.push(cb)
	got, ok := q.tryPop()
	require.True(t, ok)
	require.Same(t, cb, got)
}

func TestFinalizeQueuePopBlocksUntilPush(t *testing.T) {
	q := newFinalizeQueue(nil)
	result := make(chan *CommittedBlock, 1)
	go func() {
		cb, ok := q.pop()
		require.True(t, ok)
		result <- cb
	}()

	time.Sleep(10 * time.Millisecond)
	cb := testCommittedBlock(1)
	q.push(cb)

	select {
	case got := <-result:
		require.Same(t, cb, got)
	case <-time.After(time.Second):
		t.Fatal("pop never returned after push")
	}
}

func TestFinalizeQueueCloseDrainsThenStops(t *testing.T) {
	q := newFinalizeQueue(nil)
	cb := testCommittedBlock(1)
	q.push(cb)
	q.close()

	got, ok := q.pop()
	require.True(t, ok, "closed queue still drains what was already pushed")
	require.Same(t, cb, got)

	_, ok = q.pop()
	require.False(t, ok, "closed and drained queue reports no more items")
}

func TestFinalizeQueueBoundedPushBlocksUntilRoom(t *testing.T) {
	limit := uint32(1)
	q := newFinalizeQueue(&limit)
	q.push(testCommittedBlock(1))

	var wg sync.WaitGroup
	pushed := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.push(testCommittedBlock(2))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push on a full bounded queue must block")
	case <-time.After(20 * time.Millisecond):
	}

	q.pop()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after room freed")
	}
	wg.Wait()
}
