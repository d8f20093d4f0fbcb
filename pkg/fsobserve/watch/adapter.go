// Package watch adapts the cross-platform watcher implementations in
// pkg/filesystem/watching to the capability-bit contract described in
// spec.md §4.6 (component C5), so the crawler can stay oblivious to which
// concrete OS watching primitive backs a given root.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/fsobserve/fsobserve/pkg/filesystem/watching"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pending"
)

// Capability is a bitset of features a concrete adapter advertises
// (spec.md §4.6).
type Capability uint8

const (
	// PerFileNotifications means the adapter emits per-file paths (true for
	// inotify-backed watching).
	PerFileNotifications Capability = 1 << iota
	// CoalescedRename means renames deliver as a single event rather than a
	// paired from/to sequence.
	CoalescedRename
	// SplitWatch means the watch may span multiple independent sub-watches,
	// which permits multiple cookie directories.
	SplitWatch
)

func (c Capability) Has(bit Capability) bool { return c&bit != 0 }

// DirHandle identifies one watched directory to the adapter by its path;
// StartWatchDir returns no handle of its own.
type DirHandle struct {
	Path string
}

// ConsumeResult is the outcome of draining one batch of OS events
// (spec.md §4.6 consume_notify).
type ConsumeResult struct {
	AddedPending int
	CancelSelf   bool
}

// Adapter is the watcher contract every concrete OS backend implements
// (spec.md §4.6).
type Adapter interface {
	Capabilities() Capability
	Start(ctx context.Context) error
	StartWatchDir(handle DirHandle) error
	StartWatchFile(path string) error
	WaitNotify(timeout time.Duration) bool
	ConsumeNotify(out *pending.Collection, now time.Time) ConsumeResult
	SignalThreads()
	// FlushPendingEvents returns a channel that closes once all events
	// emitted so far are guaranteed visible to ConsumeNotify, or nil if
	// cookie observation alone suffices (spec.md §4.6).
	FlushPendingEvents() <-chan struct{}
	Terminate() error
}

// inotifyAdapter wraps a single watching.NonRecursiveWatcher, registering
// one watch per directory the crawler visits (grounded on
// pkg/filesystem/watching/watch_non_recursive_linux.go's per-path Watch/
// Unwatch/Events/Errors shape).
type inotifyAdapter struct {
	mu      sync.Mutex
	watcher watching.NonRecursiveWatcher
	signal  chan struct{}
}

// NewInotifyAdapter constructs the default POSIX adapter. filter, if
// non-nil, excludes paths from watch registration (e.g. ignored
// subtrees).
func NewInotifyAdapter(filter watching.Filter) (Adapter, error) {
	w, err := watching.NewNonRecursiveWatcher(filter)
	if err != nil {
		return nil, err
	}
	return &inotifyAdapter{watcher: w, signal: make(chan struct{}, 1)}, nil
}

func (a *inotifyAdapter) Capabilities() Capability {
	return PerFileNotifications | SplitWatch
}

func (a *inotifyAdapter) Start(_ context.Context) error { return nil }

func (a *inotifyAdapter) StartWatchDir(handle DirHandle) error {
	a.watcher.Watch(handle.Path)
	return nil
}

func (a *inotifyAdapter) StartWatchFile(_ string) error {
	// inotify watches directories, not individual files; per-file
	// registration is a no-op for this adapter.
	return nil
}

func (a *inotifyAdapter) WaitNotify(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.watcher.Events():
		return true
	case <-a.watcher.Errors():
		return true
	case <-a.signal:
		return false
	case <-timer.C:
		return false
	}
}

func (a *inotifyAdapter) ConsumeNotify(out *pending.Collection, now time.Time) ConsumeResult {
	result := ConsumeResult{}
	for {
		select {
		case err := <-a.watcher.Errors():
			if err != nil {
				result.CancelSelf = true
			}
			return result
		case batch, ok := <-a.watcher.Events():
			if !ok {
				result.CancelSelf = true
				return result
			}
			for path := range batch {
				out.Add(path, now, pending.ViaNotify)
				result.AddedPending++
			}
			if result.AddedPending >= 4096 {
				return result
			}
		default:
			return result
		}
	}
}

func (a *inotifyAdapter) SignalThreads() {
	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *inotifyAdapter) FlushPendingEvents() <-chan struct{} {
	// inotify delivers events in the order generated, and cookie files are
	// themselves regular inotify events, so no extra flush is required.
	return nil
}

func (a *inotifyAdapter) Terminate() error {
	return a.watcher.Terminate()
}
