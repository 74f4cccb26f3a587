package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// version is one committed value of a key. Versions are ordered by key, then
// newest first, so a seek to (key, ts) lands on the newest version at or
// before ts.
type version struct {
	key       string
	ts        uint64
	value     []byte
	tombstone bool
}

func versionLess(a, b version) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.ts > b.ts
}

// versionOverhead approximates the bookkeeping cost of a version.
const versionOverhead = 16

func (v version) size() int { return len(v.key) + len(v.value) + versionOverhead }

// Store is an in-memory multi-version KV with snapshot reads and a byte
// capacity. Versions are never evicted; a commit that would exceed the
// capacity fails with ErrTableOverflow.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[version]
	used int
	cap  int

	// commitMu serializes the capacity check, oracle and apply steps.
	commitMu sync.Mutex
	oracle   *Oracle
	lg       *zap.Logger
}

type StoreOption func(*Store)

func WithStoreLogger(lg *zap.Logger) StoreOption {
	return func(s *Store) { s.lg = lg }
}

func NewStore(capacityBytes int, opts ...StoreOption) *Store {
	s := &Store{
		tree:   btree.NewG[version](32, versionLess),
		cap:    capacityBytes,
		oracle: NewOracle(),
		lg:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Coordinate runs the batch as one transaction. A conflicting commit is not
// an error: the response carries StatusAborted and the caller may retry.
func (s *Store) Coordinate(ctx context.Context, b Batch) (*BatchResponse, error) {
	table, err := b.Table()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn := s.Begin()
	for _, r := range b.Requests {
		switch r.Op {
		case OpGet:
			txn.Read(r.Key)
		case OpPut:
			txn.Write(r.Key, r.Value, false)
		case OpDelete:
			txn.Write(r.Key, nil, true)
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, r.Op)
		}
	}

	err = txn.Commit()
	res := &BatchResponse{Table: table, Result: txn.Result()}
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		s.lg.Debug("transaction aborted", zap.String("txn", txn.id), zap.Error(err))
	default:
		return nil, err
	}
	return res, nil
}

// Get is a single-key snapshot read outside any batch.
func (s *Store) Get(key string) ([]byte, bool) {
	v, ok := s.read(key, s.oracle.ReadTS())
	if !ok || v.tombstone {
		return nil, false
	}
	return append([]byte(nil), v.value...), true
}

// Len is the number of keys whose newest version is not a tombstone.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	last := ""
	first := true
	s.tree.Ascend(func(v version) bool {
		if first || v.key != last {
			if !v.tombstone {
				n++
			}
			last, first = v.key, false
		}
		return true
	})
	return n
}

// Used is the number of bytes held by all versions.
func (s *Store) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Store) read(key string, at uint64) (version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found version
	ok := false
	s.tree.AscendGreaterOrEqual(version{key: key, ts: at}, func(v version) bool {
		if v.key == key {
			found, ok = v, true
		}
		return false
	})
	return found, ok
}

func (s *Store) commit(t *Transaction) (uint64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	need := 0
	for _, w := range t.writes {
		need += len(w.key) + len(w.value) + versionOverhead
	}
	s.mu.RLock()
	over := s.used+need > s.cap
	s.mu.RUnlock()
	if over {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d used", ErrTableOverflow, need, s.Used(), s.cap)
	}

	ts, err := s.oracle.CommitRequest(t)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, w := range t.writes {
		v := version{key: w.key, ts: ts, value: w.value, tombstone: w.tombstone}
		s.tree.ReplaceOrInsert(v)
		s.used += v.size()
	}
	s.mu.Unlock()
	s.oracle.Done(ts)
	return ts, nil
}
