//go:build linux

package watching

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sys/unix"
)

const (
	// NonRecursiveWatchingSupported indicates whether the current platform
	// supports native non-recursive watching.
	NonRecursiveWatchingSupported = true

	// inotifyDefaultMaximumWatches is the default maximum number of inotify
	// watches that will be allowed to exist per watcher, with the
	// least-recently-used watch evicted once the limit is reached.
	inotifyDefaultMaximumWatches = 50

	// inotifyReadBufferSize is sized to hold a decent batch of events, each
	// of which is a fixed-size header plus up to NAME_MAX+1 bytes of name.
	inotifyReadBufferSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

	// inotifyWatchMask is the set of events requested for every watch,
	// chosen to match what the crawler and pending-change tracker need to
	// treat a watched path as dirty.
	inotifyWatchMask = unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_DELETE_SELF | unix.IN_MOVE_SELF
)

// nonRecursiveWatcher implements NonRecursiveWatcher using inotify, with
// paths evicted on an LRU basis once inotifyDefaultMaximumWatches is
// exceeded.
type nonRecursiveWatcher struct {
	file *os.File

	mu     sync.Mutex
	byWd   map[int32]string
	evictor *lru.Cache

	rawPaths chan string
	events   chan map[string]bool
	errors   chan error
}

// NewNonRecursiveWatcher creates a new inotify-based non-recursive watcher.
// It accepts an optional filter used to exclude paths from being returned by
// the watcher. If filter is nil, no filtering is performed.
func NewNonRecursiveWatcher(filter Filter) (NonRecursiveWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize inotify: %w", err)
	}

	w := &nonRecursiveWatcher{
		file:     os.NewFile(uintptr(fd), "inotify"),
		byWd:     make(map[int32]string),
		rawPaths: make(chan string, inotifyDefaultMaximumWatches),
		events:   make(chan map[string]bool),
		errors:   make(chan error, 1),
	}
	w.evictor = lru.New(inotifyDefaultMaximumWatches)
	w.evictor.OnEvicted = func(key lru.Key, value interface{}) {
		_, ok := key.(string)
		wd, okWd := value.(int32)
		if !ok || !okWd {
			panic("invalid entry type in watch path cache")
		}
		unix.InotifyRmWatch(int(w.file.Fd()), uint32(wd))
		w.mu.Lock()
		delete(w.byWd, wd)
		w.mu.Unlock()
	}

	go w.readEvents()
	go w.coalesce(filter)

	return w, nil
}

// readEvents performs blocking reads of the inotify file descriptor,
// decodes raw events, and forwards the affected path to rawPaths. It
// returns (closing rawPaths) once the descriptor is closed by Terminate.
func (w *nonRecursiveWatcher) readEvents() {
	defer close(w.rawPaths)
	buf := make([]byte, inotifyReadBufferSize)
	for {
		n, err := w.file.Read(buf)
		if err != nil {
			return
		}
		offset := 0
		for offset+unix.SizeofInotifyEvent <= n {
			wd := int32(binary.LittleEndian.Uint32(buf[offset:]))
			nameLen := int(binary.LittleEndian.Uint32(buf[offset+12:]))
			nameStart := offset + unix.SizeofInotifyEvent
			offset = nameStart + nameLen

			w.mu.Lock()
			base, known := w.byWd[wd]
			w.mu.Unlock()
			if !known {
				// Already unwatched (explicitly or via IN_IGNORED); drop.
				continue
			}

			if nameLen == 0 {
				w.rawPaths <- base
				continue
			}
			name := buf[nameStart : nameStart+nameLen]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			w.rawPaths <- base + string(os.PathSeparator) + string(name)
		}
	}
}

// coalesce batches raw path events delivered within watchCoalescingWindow
// into a single map before handing them to Events, applying filter along
// the way. It mirrors the coalescing behavior the crawler's IO thread
// expects from every watch.Adapter.
func (w *nonRecursiveWatcher) coalesce(filter Filter) {
	coalescingTimer := time.NewTimer(0)
	if !coalescingTimer.Stop() {
		<-coalescingTimer.C
	}
	defer coalescingTimer.Stop()

	pending := make(map[string]bool)
	var pendingTarget chan<- map[string]bool

	for {
		select {
		case path, ok := <-w.rawPaths:
			if !ok {
				select {
				case w.errors <- ErrWatchTerminated:
				default:
				}
				return
			}
			if filter != nil && filter(path) {
				continue
			}
			pending[path] = true
			if len(pending) > watchCoalescingMaximumPendingPaths {
				select {
				case w.errors <- ErrTooManyPendingPaths:
				default:
				}
				return
			}
			pendingTarget = nil
			if !coalescingTimer.Stop() {
				select {
				case <-coalescingTimer.C:
				default:
				}
			}
			coalescingTimer.Reset(watchCoalescingWindow)
		case <-coalescingTimer.C:
			pendingTarget = w.events
		case pendingTarget <- pending:
			pending = make(map[string]bool)
			pendingTarget = nil
		}
	}
}

// Watch implements NonRecursiveWatcher.Watch.
func (w *nonRecursiveWatcher) Watch(path string) {
	// Evict any existing watch on this path first so re-adding it makes it
	// the most-recently-used entry.
	w.evictor.Remove(path)

	wd, err := unix.InotifyAddWatch(int(w.file.Fd()), path, inotifyWatchMask)
	if err != nil {
		if !os.IsNotExist(err) {
			select {
			case w.errors <- fmt.Errorf("watch error: %w", err):
			default:
			}
		}
		return
	}

	w.mu.Lock()
	w.byWd[int32(wd)] = path
	w.mu.Unlock()
	w.evictor.Add(path, int32(wd))
}

// Unwatch implements NonRecursiveWatcher.Unwatch.
func (w *nonRecursiveWatcher) Unwatch(path string) {
	w.evictor.Remove(path)
}

// Events implements NonRecursiveWatcher.Events.
func (w *nonRecursiveWatcher) Events() <-chan map[string]bool {
	return w.events
}

// Errors implements NonRecursiveWatcher.Errors.
func (w *nonRecursiveWatcher) Errors() <-chan error {
	return w.errors
}

// Terminate implements NonRecursiveWatcher.Terminate.
func (w *nonRecursiveWatcher) Terminate() error {
	return w.file.Close()
}
