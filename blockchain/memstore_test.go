package blockchain

import (
	"bytes"
	"context"
	"sync"

	"github.com/teenager-ETH/blockstate/common"
	"github.com/teenager-ETH/blockstate/triekey"
)

// fakeStore is a minimal single-version, in-memory PagedStore used by this
// package's own tests in place of internal/pageddb (which cannot be
// imported here without an import cycle, since it itself depends on this
// package). It mirrors pageddb's simplifications: no real paging,
// BeginReadOnlyBatchOrLatest ignores its hash hint.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	meta BatchMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) BeginReadOnlyBatch(label string) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	return &fakeReadBatch{data: snap, meta: s.meta}, nil
}

func (s *fakeStore) BeginReadOnlyBatchOrLatest(hash common.Hash, label string) (Batch, error) {
	return s.BeginReadOnlyBatch(label)
}

func (s *fakeStore) BeginNextBatch() (WriteBatch, error) {
	return &fakeWriteBatch{store: s, puts: make(map[string][]byte), deletes: make(map[string]struct{})}, nil
}

func (s *fakeStore) HasState(hash common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.StateHash == hash
}

func (s *fakeStore) SnapshotAll() ([]Batch, error) {
	b, err := s.BeginReadOnlyBatch("snapshot-all")
	if err != nil {
		return nil, err
	}
	return []Batch{b}, nil
}

func (s *fakeStore) HistoryDepth() uint32 { return 1 }
func (s *fakeStore) Flush() error        { return nil }

type fakeReadBatch struct {
	data map[string][]byte
	meta BatchMetadata
}

func (b *fakeReadBatch) Metadata() BatchMetadata { return b.meta }

func (b *fakeReadBatch) TryGet(key []byte) ([]byte, bool, error) {
	v, ok := b.data[string(key)]
	return v, ok, nil
}

func (b *fakeReadBatch) Release() {}

type fakeWriteBatch struct {
	store       *fakeStore
	puts        map[string][]byte
	deletes     map[string]struct{}
	meta        *BatchMetadata
	verify      bool
	noopOnWrite bool
}

func (w *fakeWriteBatch) SetRaw(key, value []byte) error {
	w.puts[string(key)] = append([]byte(nil), value...)
	delete(w.deletes, string(key))
	return nil
}

func (w *fakeWriteBatch) Destroy(path triekey.Path) error {
	addr, ok := path.ToHash()
	if !ok {
		return errShortPath
	}
	w.store.mu.Lock()
	keys := make([]string, 0)
	for k := range w.store.data {
		keys = append(keys, k)
	}
	w.store.mu.Unlock()
	for k := range w.puts {
		keys = append(keys, k)
	}
	for _, k := range keys {
		key, _, err := triekey.ReadFrom([]byte(k))
		if err != nil {
			continue
		}
		if key.Type != triekey.Account && key.Owner == addr {
			delete(w.puts, k)
			w.deletes[k] = struct{}{}
		}
	}
	return nil
}

func (w *fakeWriteBatch) DeleteByPrefix(prefix []byte) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	for k := range w.store.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			delete(w.puts, k)
			w.deletes[k] = struct{}{}
		}
	}
	return nil
}

func (w *fakeWriteBatch) SetMetadata(blockNumber uint64, hash common.Hash) error {
	w.meta = &BatchMetadata{BlockNumber: blockNumber, StateHash: hash}
	return nil
}

func (w *fakeWriteBatch) VerifyDBPagesOnCommit(enabled bool) { w.verify = enabled }

func (w *fakeWriteBatch) Commit(ctx context.Context, opt CommitOption) error {
	if opt == DangerNoWrite {
		return nil
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	for k, v := range w.puts {
		w.store.data[k] = v
	}
	for k := range w.deletes {
		delete(w.store.data, k)
	}
	if w.meta != nil {
		w.store.meta = *w.meta
	}
	return nil
}

var errShortPath = errDestroyRequiresFullPath{}

type errDestroyRequiresFullPath struct{}

func (errDestroyRequiresFullPath) Error() string {
	return "fakestore: destroy requires a full-length path"
}
