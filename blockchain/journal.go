package blockchain

import (
	"encoding/binary"

	"github.com/teenager-ETH/blockstate/common"
)

// journalKey is the reserved paged-store key the shutdown journal lives
// under. It can never collide with a triekey.Key encoding: every such
// encoding is at least 1+32 bytes and starts with a Type tag in {0,1,2},
// while this key is an ASCII string of a different length entirely.
var journalKey = []byte("blockstate/journal/v1")

// journal is a feature beyond the original component list:
// the last-finalized block identity, persisted alongside ordinary block
// data so a restarted Blockchain can report LastFinalized immediately
// rather than having to replay finalize history from scratch.
type journal struct {
	BlockNumber uint64
	Hash        common.Hash
}

func encodeJournal(j journal) []byte {
	buf := make([]byte, 8+len(j.Hash))
	binary.BigEndian.PutUint64(buf, j.BlockNumber)
	copy(buf[8:], j.Hash.Bytes())
	return buf
}

func decodeJournal(b []byte) (journal, bool) {
	if len(b) != 8+len(common.Hash{}) {
		return journal{}, false
	}
	var j journal
	j.BlockNumber = binary.BigEndian.Uint64(b[:8])
	j.Hash.SetBytes(b[8:])
	return j, true
}

// writeJournal persists j via wb, piggybacking on whatever batch is
// already committing block data.
func writeJournal(wb WriteBatch, j journal) error {
	return wb.SetRaw(journalKey, encodeJournal(j))
}

// readJournal loads the last persisted journal entry from batch, if any.
func readJournal(batch Batch) (journal, bool, error) {
	raw, ok, err := batch.TryGet(journalKey)
	if err != nil || !ok {
		return journal{}, false, err
	}
	j, ok := decodeJournal(raw)
	return j, ok, nil
}
