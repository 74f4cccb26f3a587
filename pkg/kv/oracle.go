package kv

import (
	"fmt"
	"math"
	"sync"
)

// Oracle hands out read and commit timestamps and rejects commits whose read
// set was overwritten after the transaction's snapshot.
type Oracle struct {
	mu      sync.Mutex
	nextTS  uint64
	readTS  uint64            // newest commit fully applied
	commits map[string]uint64 // key -> last commit ts
}

func NewOracle() *Oracle {
	return &Oracle{nextTS: 1, commits: make(map[string]uint64)}
}

// ReadTS is the snapshot for a new transaction: every commit applied so far.
func (o *Oracle) ReadTS() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readTS
}

// Done marks ts as applied, making it visible to new snapshots.
func (o *Oracle) Done(ts uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts > o.readTS {
		o.readTS = ts
	}
}

// CommitRequest assigns a commit timestamp to t, or returns ErrConflict.
func (o *Oracle) CommitRequest(t *Transaction) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key := range t.reads {
		if last, ok := o.commits[key]; ok && last > t.readTS {
			return 0, fmt.Errorf("%w: %s written at %d after read at %d", ErrConflict, key, last, t.readTS)
		}
	}
	if o.nextTS == math.MaxUint64 {
		return 0, fmt.Errorf("kv: commit timestamp overflow")
	}
	ts := o.nextTS
	o.nextTS++
	for _, w := range t.writes {
		o.commits[w.key] = ts
	}
	return ts, nil
}
