package blockchain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalEncodeDecodeRoundtrip(t *testing.T) {
	j := journal{BlockNumber: 42, Hash: hashN(9)}
	decoded, ok := decodeJournal(encodeJournal(j))
	require.True(t, ok)
	require.Equal(t, j, decoded)
}

func TestJournalDecodeRejectsWrongLength(t *testing.T) {
	_, ok := decodeJournal([]byte("too short"))
	require.False(t, ok)
}

func TestJournalReadMissingReturnsNotFound(t *testing.T) {
	store := newFakeStore()
	batch, err := store.BeginReadOnlyBatch("test")
	require.NoError(t, err)
	defer batch.Release()

	_, ok, err := readJournal(batch)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJournalWriteThenRead(t *testing.T) {
	store := newFakeStore()
	wb, err := store.BeginNextBatch()
	require.NoError(t, err)
	j := journal{BlockNumber: 5, Hash: hashN(5)}
	require.NoError(t, writeJournal(wb, j))
	require.NoError(t, wb.Commit(nil, FlushDataOnly))

	batch, err := store.BeginReadOnlyBatch("test")
	require.NoError(t, err)
	defer batch.Release()

	got, ok, err := readJournal(batch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, j, got)
}
