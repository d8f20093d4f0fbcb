package root

import "sync"

// CursorStore is the root's in-memory table of named cursors (spec.md
// line 45: "a named cursor whose last observed tick is stored in the
// root"). It implements clock.CursorStore.
//
// The original implementation keeps cursors in the same synchronized box
// as recrawl info and asserted states (watchman/root/ageout.cpp's
// performAgeOut reaches into root->inner.cursors under the same lock it
// uses for the view); here cursors get their own small mutex instead,
// matching this package's "no single coarse lock" layout (spec.md line
// 316).
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewCursorStore creates an empty cursor table.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]uint64)}
}

// Get returns the last-observed tick recorded for name.
func (c *CursorStore) Get(name string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tick, ok := c.cursors[name]
	return tick, ok
}

// Set records the last-observed tick for name, creating it if absent.
func (c *CursorStore) Set(name string, tick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[name] = tick
}

// PruneBelowOrEqual removes every cursor whose recorded tick is at or
// below maxTick, mirroring performAgeOut's sweep of root->inner.cursors
// after an age-out run: a cursor pointing at or before the highest
// aged-out tick can no longer be served incrementally (the deletions it
// would need to report are gone), so it is discarded rather than left to
// silently resolve as fresh-instance forever.
func (c *CursorStore) PruneBelowOrEqual(maxTick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, tick := range c.cursors {
		if tick <= maxTick {
			delete(c.cursors, name)
		}
	}
}
