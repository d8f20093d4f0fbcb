// Package watching provides a non-recursive, path-scoped filesystem watcher
// on top of the host's native event source (inotify on Linux). It is kept
// deliberately narrow: one interface, one real backend, and an LRU eviction
// policy for bounding the number of outstanding watches, since that is all
// pkg/fsobserve/watch's adapter needs from it.
package watching

import (
	"errors"
	"time"
)

const (
	// watchCoalescingWindow is the time window for event coalescing.
	watchCoalescingWindow = 10 * time.Millisecond
	// watchCoalescingMaximumPendingPaths is the maximum number of paths that
	// will be allowed in a pending coalesced event.
	watchCoalescingMaximumPendingPaths = 10 * 1024
)

var (
	// ErrWatchTerminated indicates that a watcher has been terminated.
	ErrWatchTerminated = errors.New("watch terminated")
	// ErrTooManyPendingPaths indicates that too many paths were coalesced.
	ErrTooManyPendingPaths = errors.New("too many pending paths")
)

// Filter excludes a path from watch registration and event delivery when it
// returns true (e.g. for a subtree matched by ignore rules).
type Filter func(path string) bool
