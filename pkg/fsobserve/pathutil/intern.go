package pathutil

import (
	"hash/maphash"
	"sync"
)

// internSeed is the process-wide seed used for interned-name hashing. It is
// randomized at process start (via maphash.MakeSeed) so that hash values
// aren't predictable across restarts; nothing in this package depends on a
// stable hash across runs.
var internSeed = maphash.MakeSeed()

// Name is an interned basename: an immutable string paired with a
// precomputed hash, suitable for use as a directory/file node's name field
// (§3.1, §3.3, §3.4). Two Names compare equal iff their underlying bytes are
// equal.
type Name struct {
	value string
	hash  uint64
}

// Intern returns the Name for s, computing its hash once.
func Intern(s string) Name {
	var h maphash.Hash
	h.SetSeed(internSeed)
	h.WriteString(s)
	return Name{value: s, hash: h.Sum64()}
}

// String returns the underlying basename.
func (n Name) String() string { return n.value }

// Hash returns the precomputed hash of the name.
func (n Name) Hash() uint64 { return n.hash }

// Equal reports byte-for-byte equality.
func (n Name) Equal(other Name) bool { return n.value == other.value }

// Less reports lexicographic ordering by underlying bytes.
func (n Name) Less(other Name) bool { return n.value < other.value }

// Table interns basenames so that repeated occurrences of the same name
// (extremely common across sibling files and deep trees) share one backing
// string and hash computation. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Name
}

// NewTable creates an empty interning table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Name)}
}

// Intern returns the canonical Name for s, creating and storing one on
// first use.
func (t *Table) Intern(s string) Name {
	t.mu.RLock()
	if n, ok := t.entries[s]; ok {
		t.mu.RUnlock()
		return n
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.entries[s]; ok {
		return n
	}
	n := Intern(s)
	t.entries[s] = n
	return n
}
