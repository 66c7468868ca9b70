package blockchain

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/teenager-ETH/blockstate/common"
)

func newTestBlockchain(t *testing.T) (*Blockchain, *fakePreCommit) {
	pc := newFakePreCommit()
	bc, err := Construct(newFakeStore(), pc, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { bc.DisposeAsync() })
	return bc, pc
}

func TestLiveBlockSetAndGetAccount(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{1}
	acct := common.Account{Balance: uint256.NewInt(100), Nonce: 1}
	require.NoError(t, lb.SetAccount(addr, acct))

	got, err := lb.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Nonce)
	require.Equal(t, uint256.NewInt(100), got.Balance)
	require.Contains(t, lb.TouchedAccounts(), addr)
}

func TestLiveBlockSetAndGetStorage(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{1}
	slot := common.Slot{2}
	require.NoError(t, lb.SetStorage(addr, slot, []byte("value")))

	out, err := lb.GetStorage(addr, slot, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), out)
	require.Contains(t, lb.TouchedStorageSlots(), addr)
}

func TestLiveBlockGetStorageMissing(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	out, err := lb.GetStorage(common.Address{9}, common.Slot{9}, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestLiveBlockDestroyAccountMakesStorageEmpty(t *testing.T) {
	bc, pc := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{1}
	slot := common.Slot{2}
	require.NoError(t, lb.SetStorage(addr, slot, []byte("value")))
	require.NoError(t, lb.DestroyAccount(addr))

	out, err := lb.GetStorage(addr, slot, nil)
	require.NoError(t, err)
	require.Empty(t, out, "a destroyed account's storage must read back empty")

	acct, err := lb.GetAccount(addr)
	require.NoError(t, err)
	require.True(t, acct.IsEmpty())
	require.Equal(t, []common.Address{addr}, pc.destroyedCalls)
}

func TestLiveBlockNotifyAccountCreated(t *testing.T) {
	bc, pc := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{5}
	lb.NotifyAccountCreated(addr)
	require.Equal(t, []common.Address{addr}, pc.newAccountCalls)
}

func TestLiveBlockCommitEmptyBlockIsSwallowed(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	hash, err := lb.Commit(1)
	require.NoError(t, err)
	require.Equal(t, common.ZERO, hash)
}

func TestLiveBlockCommitProducesCommittedBlock(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{7}
	require.NoError(t, lb.SetAccount(addr, common.Account{Nonce: 42}))

	hash, err := lb.Commit(1)
	require.NoError(t, err)
	require.NotEqual(t, common.ZERO, hash)
	require.True(t, bc.HasState(hash))
}

func TestLiveBlockCommitTwicePanics(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	require.NoError(t, lb.SetAccount(common.Address{1}, common.Account{Nonce: 1}))

	_, err = lb.Commit(1)
	require.NoError(t, err)
	require.Panics(t, func() { lb.Commit(2) })
}

func TestLiveBlockChildReadsParentState(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	parent, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{3}
	require.NoError(t, parent.SetAccount(addr, common.Account{Nonce: 9}))
	parentHash, err := parent.Commit(1)
	require.NoError(t, err)

	child, err := bc.StartNew(parentHash)
	require.NoError(t, err)
	got, err := child.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.Nonce)
}

func TestLiveBlockResetClearsWrites(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	addr := common.Address{4}
	require.NoError(t, lb.SetAccount(addr, common.Account{Nonce: 1}))
	lb.Reset()

	require.Empty(t, lb.TouchedAccounts())
	got, err := lb.GetAccount(addr)
	require.NoError(t, err)
	require.True(t, got.IsEmpty())
}

func TestLiveBlockResetAfterCommitPanics(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)
	require.NoError(t, lb.SetAccount(common.Address{1}, common.Account{Nonce: 1}))
	_, err = lb.Commit(1)
	require.NoError(t, err)

	require.Panics(t, func() { lb.Reset() })
}

func TestLiveBlockDBReadsCountsFallthrough(t *testing.T) {
	bc, _ := newTestBlockchain(t)
	lb, err := bc.StartNew(common.ZERO)
	require.NoError(t, err)

	_, _ = lb.GetAccount(common.Address{1})
	require.Equal(t, int64(1), lb.DBReads())
}
