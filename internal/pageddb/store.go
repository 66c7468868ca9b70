// Package pageddb is a single-version, goleveldb-backed PagedStore
// (the external paged-store collaborator, made concrete): the reference
// and test-double implementation the precommit package's tests and the
// module's scenario tests run against (the blockchain package's own tests
// use an in-package fake instead). It keeps only the current on-disk state -- there is no
// per-block paging -- so BeginReadOnlyBatchOrLatest always resolves to
// that one state and HistoryDepth reports 1. Grounded on Carmen's own
// goleveldb stores (go/backend/store/kvdb/leveldb.go,
// go/backend/store/ldb/leveldb.go).
package pageddb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/teenager-ETH/blockstate/blockchain"
	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

var (
	metaBlockNumberKey = []byte("pageddb/meta/blockNumber")
	metaStateHashKey   = []byte("pageddb/meta/stateHash")
)

// Store implements blockchain.PagedStore over a single goleveldb
// database. Its *leveldb.DB handle is owned by a RefCounted: every open
// Batch/WriteBatch holds one lease, so Close only actually closes the
// underlying database once every outstanding batch has been released --
// the same keep-alive shape the firewood FFI bindings use, applied here
// to a plain Go resource instead of a cgo boundary.
type Store struct {
	db  *leveldb.DB
	ref *blockchain.RefCounted

	mu       sync.Mutex
	closeErr error
}

// Open opens (creating if necessary) a goleveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	s.ref = blockchain.NewRefCounted(func() {
		s.mu.Lock()
		s.closeErr = db.Close()
		s.mu.Unlock()
	})
	return s, nil
}

// Close releases the Store's own lease on the database, closing it once
// every outstanding batch has also been released.
func (s *Store) Close() error {
	s.ref.Dispose()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

type getter interface {
	Get(key []byte, ro *ldbopt.ReadOptions) ([]byte, error)
}

func readMetadata(g getter) blockchain.BatchMetadata {
	var meta blockchain.BatchMetadata
	if raw, err := g.Get(metaBlockNumberKey, nil); err == nil && len(raw) == 8 {
		meta.BlockNumber = binary.BigEndian.Uint64(raw)
	}
	if raw, err := g.Get(metaStateHashKey, nil); err == nil {
		meta.StateHash.SetBytes(raw)
	}
	return meta
}

// BeginReadOnlyBatch opens a goleveldb snapshot as a Batch.
func (s *Store) BeginReadOnlyBatch(label string) (blockchain.Batch, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	s.ref.AcquireLease()
	return &readBatch{store: s, snap: snap, meta: readMetadata(snap)}, nil
}

// BeginReadOnlyBatchOrLatest ignores hash beyond using it as a label
// hint -- this single-version store only ever has one state on disk --
// and returns a snapshot of that state.
func (s *Store) BeginReadOnlyBatchOrLatest(hash common.Hash, label string) (blockchain.Batch, error) {
	return s.BeginReadOnlyBatch(label)
}

// BeginNextBatch opens a writable goleveldb.Batch.
func (s *Store) BeginNextBatch() (blockchain.WriteBatch, error) {
	s.ref.AcquireLease()
	return &writeBatch{store: s, batch: new(leveldb.Batch)}, nil
}

// HasState reports whether hash matches the single state this store
// currently holds on disk.
func (s *Store) HasState(hash common.Hash) bool {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return false
	}
	defer snap.Release()
	return readMetadata(snap).StateHash == hash
}

// SnapshotAll returns the one state this store holds, leased.
func (s *Store) SnapshotAll() ([]blockchain.Batch, error) {
	b, err := s.BeginReadOnlyBatch("snapshot-all")
	if err != nil {
		return nil, err
	}
	return []blockchain.Batch{b}, nil
}

// HistoryDepth is always 1: this store keeps no prior versions.
func (s *Store) HistoryDepth() uint32 { return 1 }

// Flush is a no-op: every Commit already honors its CommitOption's
// durability requirement via goleveldb's own WriteOptions.Sync.
func (s *Store) Flush() error { return nil }

type readBatch struct {
	store *Store
	snap  *leveldb.Snapshot
	meta  blockchain.BatchMetadata

	mu       sync.Mutex
	released bool
}

func (b *readBatch) Metadata() blockchain.BatchMetadata { return b.meta }

func (b *readBatch) TryGet(key []byte) ([]byte, bool, error) {
	val, err := b.snap.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (b *readBatch) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()
	b.snap.Release()
	b.store.ref.Dispose()
}

type writeBatch struct {
	store  *Store
	batch  *leveldb.Batch
	verify bool
}

func (w *writeBatch) SetRaw(key, value []byte) error {
	w.batch.Put(append([]byte(nil), key...), append([]byte(nil), value...))
	return nil
}

// Destroy deletes every on-disk entry owned by path's address (every
// StorageCell/Merkle key whose Owner matches), leaving the Account entry
// itself alone -- the caller is expected to have already written the
// empty Account record through the normal write path.
func (w *writeBatch) Destroy(path triekey.Path) error {
	addr, ok := path.ToHash()
	if !ok {
		return fmt.Errorf("pageddb: destroy requires a full-length path")
	}
	iter := w.store.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		k, _, err := triekey.ReadFrom(key)
		if err != nil {
			continue
		}
		if k.Type != triekey.Account && k.Owner == addr {
			w.batch.Delete(append([]byte(nil), key...))
		}
	}
	return iter.Error()
}

// DeleteByPrefix deletes every on-disk key sharing prefix.
func (w *writeBatch) DeleteByPrefix(prefix []byte) error {
	iter := w.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		w.batch.Delete(append([]byte(nil), iter.Key()...))
	}
	return iter.Error()
}

func (w *writeBatch) SetMetadata(blockNumber uint64, hash common.Hash) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, blockNumber)
	w.batch.Put(metaBlockNumberKey, buf)
	w.batch.Put(metaStateHashKey, append([]byte(nil), hash.Bytes()...))
	return nil
}

func (w *writeBatch) VerifyDBPagesOnCommit(enabled bool) { w.verify = enabled }

func (w *writeBatch) Commit(ctx context.Context, opt blockchain.CommitOption) error {
	defer w.store.ref.Dispose()
	if opt == blockchain.DangerNoWrite {
		return nil
	}
	wo := &ldbopt.WriteOptions{Sync: opt == blockchain.FlushDataOnly}
	if err := w.store.db.Write(w.batch, wo); err != nil {
		return err
	}
	if w.verify {
		return w.verifyWritten()
	}
	return nil
}

// verifyWritten replays this batch's operations, confirming goleveldb's
// on-disk state actually matches what was requested -- a stand-in for
// the real paged store's page-checksum verification pass.
func (w *writeBatch) verifyWritten() error {
	rv := &replayVerifier{store: w.store}
	w.batch.Replay(rv)
	return rv.err
}

type replayVerifier struct {
	store *Store
	err   error
}

func (r *replayVerifier) Put(key, value []byte) {
	if r.err != nil {
		return
	}
	got, err := r.store.db.Get(key, nil)
	if err != nil {
		r.err = err
		return
	}
	if !bytes.Equal(got, value) {
		r.err = fmt.Errorf("pageddb: verify mismatch for key %x", key)
	}
}

func (r *replayVerifier) Delete(key []byte) {
	if r.err != nil {
		return
	}
	if _, err := r.store.db.Get(key, nil); err == nil {
		r.err = fmt.Errorf("pageddb: verify found key %x still present after delete", key)
	}
}
