package pending

// Flags is a bitset describing how a pending change was produced and how it
// should be processed (spec.md §3.6).
type Flags uint8

const (
	// ViaNotify indicates the change came directly from the OS watcher.
	ViaNotify Flags = 1 << iota
	// Recursive indicates the IO thread should crawl the subtree rooted at
	// this path rather than just stat the path itself.
	Recursive
	// CrawlOnly indicates this entry describes a directory to crawl; the IO
	// thread should skip the direct statPath step for it.
	CrawlOnly
	// IsDesynced indicates this entry (and any descendants produced while
	// processing it) arose while the watcher was desynced; cookies
	// encountered underneath must be ignored.
	IsDesynced
	// NonrecursiveScan indicates every child should be stat'd once without
	// descending into child directories.
	NonrecursiveScan
)

// Has reports whether all bits in other are set in f.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Any reports whether any bit in other is set in f.
func (f Flags) Any(other Flags) bool {
	return f&other != 0
}
