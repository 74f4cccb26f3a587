package gossip

import (
	"fmt"
	"sync"

	"github.com/ryandielhenn/zephyrkv/pkg/hlc"
)

// Register is a last-writer-wins element set of cluster members. Adds and
// removes are stamped by a hybrid logical clock; an element is live when its
// add is not older than its remove. Replicas that have seen the same updates,
// in any order and with duplicates, have the same effective state.
type Register struct {
	mu        sync.Mutex
	clock     *hlc.Clock
	addSet    map[string]int64
	removeSet map[string]int64
}

func NewRegister(clock *hlc.Clock) *Register {
	if clock == nil {
		clock = hlc.New(nil)
	}
	return &Register{
		clock:     clock,
		addSet:    make(map[string]int64),
		removeSet: make(map[string]int64),
	}
}

// Add stamps id into the add set.
func (r *Register) Add(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, err := r.clock.Increment().Pack()
	if err != nil {
		return fmt.Errorf("add %s: %w", id, err)
	}
	r.addSet[id.String()] = ts
	return nil
}

// Remove stamps id into the remove set.
func (r *Register) Remove(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, err := r.clock.Increment().Pack()
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	r.removeSet[id.String()] = ts
	return nil
}

// Ensure makes id live, re-adding it with a timestamp newer than its remove
// if one wins. It reports whether the add set changed.
func (r *Register) Ensure(id Identity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := id.String()
	added, hasAdd := r.addSet[k]
	removed, hasRemove := r.removeSet[k]
	if hasAdd && (!hasRemove || removed <= added) {
		return false, nil
	}
	if hasRemove {
		r.clock.Receive(hlc.Unpack(removed))
	}
	ts, err := r.clock.Increment().Pack()
	if err != nil {
		return false, fmt.Errorf("add %s: %w", id, err)
	}
	r.addSet[k] = ts
	return true, nil
}

// Merge folds a remote state into r, keeping the newer timestamp per element
// in each set. A malformed state is rejected whole and r is left untouched.
func (r *Register) Merge(in State) error {
	if err := in.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.mergeSet(in.AddSet, r.addSet)
	r.mergeSet(in.RemoveSet, r.removeSet)
	return nil
}

// mergeSet must not take r.mu; Merge already holds it.
func (r *Register) mergeSet(incoming, into map[string]int64) {
	for elem, packed := range incoming {
		existing, ok := into[elem]
		if !ok {
			into[elem] = packed
			continue
		}
		r.clock.Receive(hlc.Unpack(packed))
		if packed > existing {
			into[elem] = packed
		}
	}
}

// State returns a deep copy of both sets.
func (r *Register) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{AddSet: cloneSet(r.addSet), RemoveSet: cloneSet(r.removeSet)}
}

// Effective returns the live identity strings with their add timestamps.
func (r *Register) Effective() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return effective(r.addSet, r.removeSet)
}

// Live returns the effective state as parsed members sorted by identity.
func (r *Register) Live() []Member {
	return membersOf(r.Effective())
}

// Contains reports whether id is live.
func (r *Register) Contains(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := id.String()
	added, ok := r.addSet[k]
	if !ok {
		return false
	}
	removed, ok := r.removeSet[k]
	return !ok || removed <= added
}

// Clock exposes the register's clock for diagnostics.
func (r *Register) Clock() *hlc.Clock { return r.clock }
