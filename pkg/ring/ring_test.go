package ring

import (
	"fmt"
	"testing"
)

func names(n int) []string {
	out := make([]string, n)
	for i := range n {
		out[i] = fmt.Sprintf("node%d", i+1)
	}
	return out
}

func TestEmptyTable(t *testing.T) {
	for _, tbl := range []*Table{nil, New(nil), New([]string{})} {
		if _, ok := tbl.Lookup("foo"); ok {
			t.Fatal("Lookup on empty table returned ok")
		}
		if tbl.Len() != 0 || tbl.Size() != 0 {
			t.Fatalf("empty table Len=%d Size=%d", tbl.Len(), tbl.Size())
		}
	}
}

func TestTableSizeIsPrime(t *testing.T) {
	for _, tc := range []struct {
		n, want int
	}{
		{1, 101},
		{2, 211},
		{3, 307},
		{5, 503},
		{10, 1009},
	} {
		if got := New(names(tc.n), WithMinSize(0)).Size(); got != tc.want {
			t.Fatalf("Size for %d members = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestDefaultSizeIsFixed(t *testing.T) {
	for _, n := range []int{1, 3, 40} {
		if got := New(names(n)).Size(); got != DefaultMinSize {
			t.Fatalf("Size for %d members = %d, want %d", n, got, DefaultMinSize)
		}
	}
}

func TestSingleMemberOwnsEverything(t *testing.T) {
	tbl := New([]string{"solo"})
	for i := range 500 {
		got, ok := tbl.Lookup(fmt.Sprintf("key-%d", i))
		if !ok || got != "solo" {
			t.Fatalf("Lookup = (%q,%v), want (solo,true)", got, ok)
		}
	}
}

func TestDuplicatesCollapse(t *testing.T) {
	a := New([]string{"n1", "n2", "n2", "n3", "n1"})
	b := New([]string{"n3", "n1", "n2"})
	if a.Len() != 3 {
		t.Fatalf("Len = %d, want 3", a.Len())
	}
	if !a.SameMembers(b.Members()) {
		t.Fatalf("members differ: %v vs %v", a.Members(), b.Members())
	}
}

func TestLookupDeterministic(t *testing.T) {
	a := New([]string{"n1", "n2", "n3", "n4"})
	b := New([]string{"n4", "n3", "n2", "n1"})

	for i := range 2000 {
		k := fmt.Sprintf("table%d", i)
		x, _ := a.Lookup(k)
		y, _ := a.Lookup(k)
		z, _ := b.Lookup(k)
		if x == "" || x != y || x != z {
			t.Fatalf("Lookup(%q) not stable: %q %q %q", k, x, y, z)
		}
	}
}

func TestSlotsEvenlyShared(t *testing.T) {
	// round-robin fill hands out one slot per member per round
	for _, n := range []int{2, 3, 7, 16} {
		tbl := New(names(n))
		lo, hi := tbl.Size(), 0
		for _, c := range tbl.Owners() {
			lo, hi = min(lo, c), max(hi, c)
		}
		if hi-lo > 1 {
			t.Fatalf("n=%d: slot counts range %d..%d", n, lo, hi)
		}
	}
}

func TestRemoveMemberMinimalDisruption(t *testing.T) {
	const n = 10
	before := New(names(n))
	removed := "node4"
	var rest []string
	for _, name := range names(n) {
		if name != removed {
			rest = append(rest, name)
		}
	}
	after := New(rest)

	const keys = 20000
	moved, stray := 0, 0
	for i := range keys {
		k := fmt.Sprintf("k-%d", i)
		x, _ := before.Lookup(k)
		y, _ := after.Lookup(k)
		if x == y {
			continue
		}
		moved++
		if x != removed {
			stray++
		}
	}
	frac := float64(moved) / keys
	if frac > 0.25 {
		t.Fatalf("%.2f of keys moved after removing 1 of %d members", frac, n)
	}
	if float64(stray)/keys > 0.05 {
		t.Fatalf("%d keys not owned by %s moved", stray, removed)
	}
	if moved == 0 {
		t.Fatal("no keys moved; removed member owned nothing")
	}
}

func TestAddMemberMinimalDisruption(t *testing.T) {
	before := New(names(5))
	after := New(names(6))

	const keys = 20000
	moved := 0
	for i := range keys {
		k := fmt.Sprintf("k-%d", i)
		x, _ := before.Lookup(k)
		y, _ := after.Lookup(k)
		if x != y {
			moved++
		}
	}
	if frac := float64(moved) / keys; frac > 0.35 {
		t.Fatalf("%.2f of keys moved after adding a sixth member", frac)
	}
}

func TestMembersIsCopy(t *testing.T) {
	tbl := New([]string{"n1", "n2"})
	m := tbl.Members()
	m[0] = "mutated"
	if tbl.Members()[0] != "n1" {
		t.Fatal("Members() returned a reference, not a copy")
	}
}

func TestNextPrime(t *testing.T) {
	for in, want := range map[int]int{0: 2, 1: 2, 2: 2, 3: 3, 4: 5, 100: 101, 200: 211, 1000: 1009} {
		if got := nextPrime(in); got != want {
			t.Fatalf("nextPrime(%d) = %d, want %d", in, got, want)
		}
	}
}
