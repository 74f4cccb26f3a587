// Package ring maps keys to cluster members with Maglev consistent hashing.
//
// A Table is built once from a member set and is immutable afterwards; a
// membership change builds a new Table. Only keys owned by added or removed
// members move between tables built from neighbouring sets.
//
// See https://research.google/pubs/pub44824/ for the algorithm.
package ring

import (
	"slices"

	"github.com/cespare/xxhash/v2"
)

const (
	offsetSeed = 0xdeadbabe
	skipSeed   = 0xdeadbeef

	// slotsPerMember sizes the lookup table relative to the member count.
	slotsPerMember = 100

	// DefaultMinSize keeps the slot count fixed for clusters of up to 655
	// members. A table whose size changes with every membership change
	// remaps nearly every key.
	DefaultMinSize = 65537
)

type options struct {
	minSize int
}

// Option configures New.
type Option func(*options)

// WithMinSize sets the lower bound on the slot count. Zero sizes the table
// purely by member count.
func WithMinSize(slots int) Option {
	return func(o *options) { o.minSize = slots }
}

// Table is a Maglev lookup table. The zero value and nil are empty tables.
type Table struct {
	members []string // sorted, unique
	entry   []int    // slot -> index into members
}

// New builds a table for names. Duplicates collapse; order does not matter.
// The slot count is the smallest prime >= max(100*len(members), min size).
func New(names []string, opts ...Option) *Table {
	o := options{minSize: DefaultMinSize}
	for _, opt := range opts {
		opt(&o)
	}

	members := slices.Clone(names)
	slices.Sort(members)
	members = slices.Compact(members)

	t := &Table{members: members}
	if len(members) == 0 {
		return t
	}
	t.entry = populate(members, nextPrime(max(slotsPerMember*len(members), o.minSize)))
	return t
}

// Lookup returns the member owning key, or false for an empty table.
func (t *Table) Lookup(key string) (string, bool) {
	if t == nil || len(t.entry) == 0 {
		return "", false
	}
	m := uint64(len(t.entry))
	return t.members[t.entry[hashOffset(key)%m]], true
}

// Members returns a copy of the sorted member names.
func (t *Table) Members() []string {
	if t == nil {
		return nil
	}
	return slices.Clone(t.members)
}

// Len is the number of members.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.members)
}

// Size is the number of lookup slots.
func (t *Table) Size() int {
	if t == nil {
		return 0
	}
	return len(t.entry)
}

// SameMembers reports whether t was built from exactly the set names.
func (t *Table) SameMembers(names []string) bool {
	other := slices.Clone(names)
	slices.Sort(other)
	other = slices.Compact(other)
	return slices.Equal(t.Members(), other)
}

// Owners counts slots per member; useful for balance checks and /info.
func (t *Table) Owners() map[string]int {
	out := make(map[string]int, t.Len())
	if t == nil {
		return out
	}
	for _, idx := range t.entry {
		out[t.members[idx]]++
	}
	return out
}

// populate fills m slots round-robin, each member claiming the next free slot
// of its permutation (offset + j*skip) mod m. m is prime and 1 <= skip < m, so
// every permutation visits all slots.
func populate(members []string, m int) []int {
	n := len(members)
	offset := make([]uint64, n)
	skip := make([]uint64, n)
	for i, name := range members {
		offset[i] = hashOffset(name) % uint64(m)
		skip[i] = hashSkip(name)%uint64(m-1) + 1
	}

	entry := make([]int, m)
	for i := range entry {
		entry[i] = -1
	}
	next := make([]uint64, n)

	filled := 0
	for {
		for i := range n {
			c := (offset[i] + next[i]*skip[i]) % uint64(m)
			for entry[c] >= 0 {
				next[i]++
				c = (offset[i] + next[i]*skip[i]) % uint64(m)
			}
			entry[c] = i
			next[i]++
			filled++
			if filled == m {
				return entry
			}
		}
	}
}

func hashOffset(s string) uint64 { return seeded(offsetSeed, s) }

func hashSkip(s string) uint64 { return seeded(skipSeed, s) }

func seeded(seed uint64, s string) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.WriteString(s)
	return d.Sum64()
}

// nextPrime returns the smallest prime >= n.
func nextPrime(n int) int {
	if n <= 2 {
		return 2
	}
	for p := n; ; p++ {
		if isPrime(p) {
			return p
		}
	}
}

func isPrime(n int) bool {
	if n <= 1 {
		return false
	}
	if n <= 3 {
		return true
	}
	if n%2 == 0 || n%3 == 0 {
		return false
	}
	for i := 5; i*i <= n; i += 6 {
		if n%i == 0 || n%(i+2) == 0 {
			return false
		}
	}
	return true
}
