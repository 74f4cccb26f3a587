package kv

import (
	"github.com/google/uuid"
)

type write struct {
	key       string
	value     []byte
	tombstone bool
}

// Transaction buffers writes against a snapshot of the store and commits them
// atomically. It is not safe for concurrent use.
type Transaction struct {
	store    *Store
	id       string
	readTS   uint64
	commitTS uint64
	status   Status

	reads     map[string]struct{}
	writes    []write
	writeIdx  map[string]int
	returning []KeyValue
	retIdx    map[string]int
}

// Begin starts a transaction at the current snapshot.
func (s *Store) Begin() *Transaction {
	return &Transaction{
		store:    s,
		id:       uuid.NewString(),
		readTS:   s.oracle.ReadTS(),
		reads:    make(map[string]struct{}),
		writeIdx: make(map[string]int),
		retIdx:   make(map[string]int),
	}
}

// Read returns the transaction's own write for key if any, otherwise the
// newest version visible at the snapshot.
func (t *Transaction) Read(key string) ([]byte, bool) {
	if i, ok := t.writeIdx[key]; ok {
		w := t.writes[i]
		if w.tombstone {
			t.forget(key)
			return nil, false
		}
		t.remember(key, w.value)
		return w.value, true
	}

	t.reads[key] = struct{}{}
	v, ok := t.store.read(key, t.readTS)
	if !ok || v.tombstone {
		t.forget(key)
		return nil, false
	}
	t.remember(key, v.value)
	return v.value, true
}

// Write buffers a value, or a tombstone when tombstone is set.
func (t *Transaction) Write(key string, value []byte, tombstone bool) {
	w := write{key: key, value: append([]byte(nil), value...), tombstone: tombstone}
	if i, ok := t.writeIdx[key]; ok {
		t.writes[i] = w
		return
	}
	t.writeIdx[key] = len(t.writes)
	t.writes = append(t.writes, w)
}

// Commit applies the writes. Read-only transactions finish as StatusNoop
// without consulting the oracle.
func (t *Transaction) Commit() error {
	if len(t.writes) == 0 {
		t.status = StatusNoop
		return nil
	}
	ts, err := t.store.commit(t)
	if err != nil {
		t.status = StatusAborted
		return err
	}
	t.commitTS = ts
	t.status = StatusCommitted
	return nil
}

func (t *Transaction) Result() TransactionResult {
	ret := make([]KeyValue, 0, len(t.returning))
	for _, kv := range t.returning {
		if kv.Key != "" {
			ret = append(ret, kv)
		}
	}
	return TransactionResult{
		ID:        t.id,
		ReadTS:    t.readTS,
		CommitTS:  t.commitTS,
		Status:    t.status,
		Returning: ret,
	}
}

func (t *Transaction) remember(key string, value []byte) {
	kv := KeyValue{Key: key, Value: append([]byte(nil), value...)}
	if i, ok := t.retIdx[key]; ok {
		t.returning[i] = kv
		return
	}
	t.retIdx[key] = len(t.returning)
	t.returning = append(t.returning, kv)
}

// forget blanks a returning slot so first-read order is kept.
func (t *Transaction) forget(key string) {
	if i, ok := t.retIdx[key]; ok {
		t.returning[i] = KeyValue{}
	}
}
