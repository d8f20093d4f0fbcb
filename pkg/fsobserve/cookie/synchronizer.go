// Package cookie implements the cookie synchronization protocol (spec.md
// §3.8, §4.2): marker files written into one or more watched directories,
// whose observation by the IO thread fulfills a promise that the
// filesystem has been observed up through the point the cookie was
// written.
package cookie

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/logging"
)

// Prefix is the reserved basename prefix identifying a cookie candidate
// (spec.md §3.8, §6.2). Any path whose basename begins with Prefix is
// routed to the synchronizer rather than the view database.
const Prefix = ".watchman-cookie-"

var (
	// ErrTimeout indicates that sync_to_now exceeded its deadline. The
	// outstanding cookie is left in place; a later observation will still
	// fulfill it harmlessly (spec.md §5 "Cancellation & timeouts").
	ErrTimeout = errors.New("cookie: synchronization timed out")
	// ErrAborted indicates the cookie was aborted by a concurrent recrawl
	// (spec.md §4.2 "abort_all_cookies").
	ErrAborted = errors.New("cookie: synchronization aborted by recrawl")
	// ErrRootGone indicates the root path disappeared during sync.
	ErrRootGone = errors.New("cookie: root removed during synchronization")
)

// record tracks one outstanding sync() call: one cookie file per configured
// cookie directory, all sharing a single promise that fires once every file
// has been observed (spec.md §4.2).
type record struct {
	numPending int32
	promise    *Promise
}

// Synchronizer is the cookie synchronization protocol implementation for a
// single root. It is safe for concurrent use.
type Synchronizer struct {
	logger *logging.Logger

	mu      sync.Mutex
	dirs    map[string]struct{}
	pending map[string]*record // keyed by full cookie path

	serial   uint32
	instance string // per-process/per-root disambiguator, derived from a uuid
}

// New creates a cookie synchronizer with an initial set of cookie
// directories (typically just the root path).
func New(logger *logging.Logger, initialDirs ...string) *Synchronizer {
	s := &Synchronizer{
		logger:   logger,
		dirs:     make(map[string]struct{}),
		pending:  make(map[string]*record),
		instance: uuid.NewString()[:8],
	}
	for _, d := range initialDirs {
		s.dirs[d] = struct{}{}
	}
	return s
}

// SetCookieDir replaces the entire set of cookie directories with a single
// directory.
func (s *Synchronizer) SetCookieDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = map[string]struct{}{dir: {}}
}

// AddCookieDir adds dir to the set of cookie directories.
func (s *Synchronizer) AddCookieDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[dir] = struct{}{}
}

// RemoveCookieDir removes dir from the set of cookie directories.
func (s *Synchronizer) RemoveCookieDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirs, dir)
}

// IsCookiePath reports whether path's basename identifies it as a cookie
// candidate (spec.md §3.8).
func IsCookiePath(basename string) bool {
	return len(basename) >= len(Prefix) && basename[:len(Prefix)] == Prefix
}

// Sync writes one cookie file per configured cookie directory and returns a
// promise that fulfills once every one of those files has been observed via
// NotifyCookie (spec.md §4.2).
func (s *Synchronizer) Sync() (*Promise, error) {
	s.mu.Lock()
	dirs := make([]string, 0, len(s.dirs))
	for d := range s.dirs {
		dirs = append(dirs, d)
	}
	serial := atomic.AddUint32(&s.serial, 1)
	s.mu.Unlock()

	if len(dirs) == 0 {
		return nil, errors.New("cookie: no cookie directories configured")
	}

	name := fmt.Sprintf("%s%s-%s", Prefix, s.instance, strconv.FormatUint(uint64(serial), 10))
	rec := &record{numPending: int32(len(dirs)), promise: newPromise()}

	paths := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		paths = append(paths, filepath.Join(dir, name))
	}

	s.mu.Lock()
	for _, p := range paths {
		s.pending[p] = rec
	}
	s.mu.Unlock()

	for _, p := range paths {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			s.mu.Lock()
			for _, cleanup := range paths {
				delete(s.pending, cleanup)
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("unable to write cookie file %q: %w", p, err)
		}
	}

	return rec.promise, nil
}

// SyncToNow calls Sync and waits up to timeout for the resulting promise,
// translating timeout and cancellation into the documented error values
// (spec.md §4.2 "sync_to_now").
func (s *Synchronizer) SyncToNow(ctx context.Context, timeout time.Duration) error {
	promise, err := s.Sync()
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = promise.Wait(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ErrRootGone
	}
	if waitCtx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return err
}

// NotifyCookie handles an observed path. If it is a tracked cookie file, its
// record's pending count is decremented and, on reaching zero, its promise
// is fulfilled. It reports whether path was a cookie at all (spec.md §4.2
// "notify_cookie"). desynced cookies must not be passed to this method at
// all per the IS_DESYNCED honor rule (spec.md §4.5); that filtering happens
// in the caller (the crawler's process_path).
func (s *Synchronizer) NotifyCookie(path string) bool {
	basename := filepath.Base(path)
	if !IsCookiePath(basename) {
		return false
	}

	s.mu.Lock()
	rec, ok := s.pending[path]
	if ok {
		delete(s.pending, path)
	}
	s.mu.Unlock()

	if !ok {
		// Cookie-shaped but not one we're tracking (stale, or from another
		// synchronizer instance sharing the directory).
		return true
	}

	if atomic.AddInt32(&rec.numPending, -1) == 0 {
		rec.promise.fulfill(nil)
	}
	return true
}

// AbortAllCookies fulfills every outstanding cookie promise with
// ErrAborted and clears the pending set (spec.md §4.2
// "abort_all_cookies"). It is called after a desync-driven recrawl so that
// clients waiting on SyncToNow retry with fresh cookies the recrawled
// watcher can actually observe.
func (s *Synchronizer) AbortAllCookies() {
	s.mu.Lock()
	seen := make(map[*record]struct{}, len(s.pending))
	var records []*record
	for path, rec := range s.pending {
		delete(s.pending, path)
		if _, already := seen[rec]; !already {
			seen[rec] = struct{}{}
			records = append(records, rec)
		}
	}
	s.mu.Unlock()

	// Fulfill outside the lock to avoid reentrancy into the synchronizer from
	// a waiter's continuation (spec.md §5).
	for _, rec := range records {
		rec.promise.fulfill(ErrAborted)
	}
}

// PendingCount reports how many cookie files are currently awaited, for
// root.Status's diagnostics snapshot.
func (s *Synchronizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OutstandingCookieFileList returns the full paths of every cookie file
// currently awaited, mirroring CookieSync::getOutstandingCookieFileList in
// the original implementation: a diagnostics/debugging aid for seeing
// exactly which cookies a stuck sync_to_now is still waiting on, rather
// than just how many.
func (s *Synchronizer) OutstandingCookieFileList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.pending))
	for p := range s.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
