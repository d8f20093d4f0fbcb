// Package crawler implements the notify and IO threads described in
// spec.md §4.5 (component C6): the pair of loops that drain OS
// notifications and the pending-change collection into the view database.
package crawler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/cookie"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/logging"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pathutil"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pending"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/watch"
	"github.com/fsobserve/fsobserve/pkg/state"
)

const (
	// batchCap bounds how many events the notify thread drains in one pass
	// before waiting again (spec.md §4.5 "notify thread" step 3).
	batchCap = 4096
)

// ErrnoPolicy decides how an open/stat failure on a subtree should be
// handled (spec.md §4.9 handle_open_errno); the root controller supplies
// this so the crawler stays free of root-lifecycle concerns.
type ErrnoPolicy interface {
	HandleOpenErrno(dirPath string, t time.Time, syscallName string, err error)
}

// Hooks lets the owning root controller observe crawler milestones without
// the crawler importing the root package (spec.md §4.5, §4.9).
type Hooks interface {
	// ShouldRecrawl reports and clears the root's should_recrawl flag.
	ShouldRecrawl() bool
	// ScheduleRecrawl sets should_recrawl (used when the root directory's
	// inode changes out from under the watch).
	ScheduleRecrawl(reason string)
	// IsIgnored reports whether path (root-relative, slash-separated)
	// should be skipped entirely.
	IsIgnored(path string) bool
	// Settled is invoked once the pending collection empties and
	// trigger_settle has elapsed (spec.md §4.5 step 4); it publishes
	// {settled:true} and runs reap/age-out consideration.
	Settled()
	ErrnoPolicy
}

// Config holds the tunables referenced by the IO-thread loop
// (spec.md §4.5).
type Config struct {
	TriggerSettle  time.Duration
	MaxIdleTimeout time.Duration
	NotifySleep    time.Duration
}

// DefaultConfig matches watchman's own defaults in spirit: a short settle
// window that backs off to a long idle poll.
func DefaultConfig() Config {
	return Config{
		TriggerSettle:  20 * time.Millisecond,
		MaxIdleTimeout: 24 * time.Hour,
		NotifySleep:    0,
	}
}

// Engine runs the notify and IO threads for a single root.
type Engine struct {
	RootPath string
	View     *view.View
	Clock    *clock.Root
	Watcher  watch.Adapter
	Cookies  *cookie.Synchronizer
	Pending  *pending.Collection
	Hooks    Hooks
	Logger   *logging.Logger
	Config   Config

	rootInode     uint64
	rootInodeSeen bool
	doneInitial   int32 // atomic bool
	stopThreads   state.Marker
}

// StopThreads sets the root-scoped stop flag both threads observe
// (spec.md §4.5 "both observe a root-scoped stop_threads flag"). It is
// idempotent and safe to call from any goroutine, including repeatedly
// from the same one (e.g. a root cancelled while already reaping).
func (e *Engine) StopThreads() {
	e.stopThreads.Mark()
	e.Watcher.SignalThreads()
	e.Pending.Ping()
}

func (e *Engine) stopping() bool {
	return e.stopThreads.Marked()
}

// RunNotifyThread implements spec.md §4.5 "Notify thread". It should be
// run in its own goroutine and returns once StopThreads is called or the
// watcher reports cancellation.
func (e *Engine) RunNotifyThread(ctx context.Context) {
	if err := e.Watcher.Start(ctx); err != nil {
		e.Logger.Warn(errors.Wrap(err, "watcher start failed"))
		e.Hooks.ScheduleRecrawl("watcher start failed")
		return
	}

	// Bootstrap handshake with the IO thread: ping once readiness is
	// established even though nothing is pending yet.
	e.Pending.Ping()

	for !e.stopping() {
		if !e.Watcher.WaitNotify(24 * time.Hour) {
			continue
		}
		now := time.Now()
		for i := 0; i < 64; i++ {
			result := e.Watcher.ConsumeNotify(e.Pending, now)
			if result.CancelSelf {
				e.Hooks.ScheduleRecrawl("watcher reported cancellation")
				return
			}
			if result.AddedPending == 0 {
				break
			}
			if result.AddedPending >= batchCap {
				break
			}
			if !e.Watcher.WaitNotify(0) {
				break
			}
		}
	}
}

// RunIOThread implements spec.md §4.5 "IO thread".
func (e *Engine) RunIOThread(ctx context.Context) {
	timeout := e.Config.TriggerSettle

	for !e.stopping() {
		if atomic.LoadInt32(&e.doneInitial) == 0 {
			e.FullCrawl()
			timeout = e.Config.TriggerSettle
		}

		pinged := e.Pending.Wait(timeout)
		local := e.Pending.StealItems()

		if e.Hooks.ShouldRecrawl() {
			atomic.StoreInt32(&e.doneInitial, 0)
			continue
		}

		if len(local) == 0 && !pinged {
			e.Hooks.Settled()
			timeout = growTimeout(timeout, e.Config.MaxIdleTimeout)
			continue
		}

		if e.Config.NotifySleep > 0 {
			time.Sleep(e.Config.NotifySleep)
		}

		e.View.Lock()
		e.Clock.Bump()
		desynced := e.ProcessAllPending(local)
		e.View.Unlock()

		if desynced {
			e.Cookies.AbortAllCookies()
		}
	}
}

func growTimeout(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}

// FullCrawl implements spec.md §4.5 "full_crawl".
func (e *Engine) FullCrawl() {
	now := time.Now()

	e.View.Lock()
	e.Clock.Bump()
	e.Pending.Add("", now, pending.Recursive)
	e.View.Unlock()

	for {
		local := e.Pending.StealItems()
		if len(local) == 0 {
			break
		}
		e.View.Lock()
		e.ProcessAllPending(local)
		e.View.Unlock()
	}

	atomic.StoreInt32(&e.doneInitial, 1)
	e.Cookies.AbortAllCookies()
	e.Logger.Info("crawl complete")
}

// ProcessAllPending implements spec.md §4.5 "process_all_pending". It
// drains local in FIFO order, dispatching each item to ProcessPath; any
// newly enqueued items land in the shared collection and are folded back
// in before returning. Callers must hold the view write lock.
func (e *Engine) ProcessAllPending(local []*pending.Change) bool {
	desynced := false
	for len(local) > 0 {
		item := local[0]
		local = local[1:]

		if item.Flags.Has(pending.IsDesynced) && item.Flags.Has(pending.CrawlOnly) {
			desynced = true
		}
		e.ProcessPath(item)

		if len(local) == 0 {
			more := e.Pending.StealItems()
			local = append(local, more...)
		}
	}
	return desynced
}

// ProcessPath implements spec.md §4.5 "process_path".
func (e *Engine) ProcessPath(item *pending.Change) {
	if cookie.IsCookiePath(pathutil.Base(item.Path)) {
		if e.honorCookie(item) {
			e.Cookies.NotifyCookie(e.fullPath(item.Path))
		}
		return
	}

	if item.Path == "" || item.Flags.Has(pending.CrawlOnly) {
		e.Crawl(item.Path, item.ObservedTime, item.Flags)
		return
	}
	e.StatPath(item.Path, item.ObservedTime, item.Flags, nil)
}

// honorCookie implements the cookie-honor rule (spec.md §4.5
// "process_path"): per-file-notification watchers only honor cookies that
// arrived via notify or before the initial crawl completes; otherwise any
// non-desynced cookie is honored.
func (e *Engine) honorCookie(item *pending.Change) bool {
	if item.Flags.Has(pending.IsDesynced) {
		return false
	}
	if e.Watcher.Capabilities().Has(watch.PerFileNotifications) {
		return item.Flags.Has(pending.ViaNotify) || atomic.LoadInt32(&e.doneInitial) == 0
	}
	return true
}

func (e *Engine) fullPath(relPath string) string {
	if relPath == "" {
		return e.RootPath
	}
	return filepath.Join(e.RootPath, relPath)
}

// Crawl implements spec.md §4.5 "crawler(path, t, flags)".
func (e *Engine) Crawl(path string, t time.Time, flags pending.Flags) {
	dir, _ := e.View.ResolveDir(path, true)
	full := e.fullPath(path)

	if path == "" {
		st, err := lstat(full)
		if err != nil {
			e.Hooks.HandleOpenErrno(path, t, "lstat", err)
			return
		}
		ino := inodeOfPath(st)
		if !e.rootInodeSeen {
			e.rootInode = ino
			e.rootInodeSeen = true
		} else if ino != e.rootInode {
			e.Hooks.ScheduleRecrawl("root directory replaced")
			return
		}
	}

	if err := e.Watcher.StartWatchDir(watch.DirHandle{Path: full}); err != nil {
		e.Hooks.HandleOpenErrno(path, t, "watch", err)
		return
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		e.Hooks.HandleOpenErrno(path, t, "readdir", err)
		return
	}

	for _, f := range dir.Files {
		f.MaybeDeleted = true
	}

	recursive := flags.Has(pending.Recursive)
	nonrecursiveScan := flags.Has(pending.NonrecursiveScan)

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}

		if f, known := dir.Files[name]; known {
			f.MaybeDeleted = false
			if !recursive && !nonrecursiveScan {
				continue
			}
		}
		_, knownDir := dir.Dirs[name]
		_, knownFile := dir.Files[name]

		if recursive || nonrecursiveScan || (!knownDir && !knownFile) {
			childPath := pathutil.Join(path, name)
			if e.Hooks.IsIgnored(childPath) {
				continue
			}
			childFlags := flags & pending.IsDesynced
			if recursive {
				childFlags |= pending.Recursive
			}
			e.ProcessPath(&pending.Change{Path: childPath, ObservedTime: t, Flags: childFlags})
		}
	}

	for name, f := range dir.Files {
		if f.MaybeDeleted {
			childPath := pathutil.Join(path, name)
			childFlags := pending.Flags(0)
			if recursive {
				childFlags = pending.Recursive
			}
			e.Pending.Add(childPath, t, childFlags)
		}
	}
	if recursive {
		for name := range dir.Dirs {
			childPath := pathutil.Join(path, name)
			e.Pending.Add(childPath, t, pending.Recursive)
		}
	}
}

// StatPath implements spec.md §4.5 "stat_path(path, t, flags, pre_stat)".
// preStat, if non-nil, is a stat already obtained by Crawl; otherwise
// StatPath performs its own lstat.
func (e *Engine) StatPath(path string, t time.Time, flags pending.Flags, preStat *view.Stat) {
	if e.Hooks.IsIgnored(path) {
		return
	}

	parentPath := pathutil.Dir(path)
	name := pathutil.Base(path)
	parent, _ := e.View.ResolveDir(parentPath, true)
	file := parent.Files[name]

	var newStat view.Stat
	var statErr error
	if preStat != nil {
		newStat = *preStat
	} else {
		st, err := lstat(e.fullPath(path))
		if err != nil {
			statErr = err
		} else {
			newStat = st
		}
	}

	if statErr != nil {
		if os.IsNotExist(statErr) || errors.Is(statErr, os.ErrNotExist) {
			if d, isDir := parent.Dirs[name]; isDir {
				e.View.MarkDirDeleted(d, e.Clock.Current(), true)
			}
			if file == nil {
				var created bool
				file, created = e.View.GetOrCreateChildFile(parent, name, e.Clock.Current())
				if created {
					e.Watcher.StartWatchFile(e.fullPath(path))
				}
				file.Exists = false
			} else if file.Exists {
				file.Exists = false
				e.View.MarkFileChanged(file, e.Clock.Current())
			}
			if !e.Watcher.Capabilities().Has(watch.PerFileNotifications) && parentPath != "" {
				e.Pending.Add(parentPath, t, pending.CrawlOnly)
			}
			if e.Watcher.Capabilities().Has(watch.PerFileNotifications) && parent.LastCheckExisted && parentPath != "" {
				e.Pending.Add(parentPath, t, pending.ViaNotify)
			}
		} else {
			e.Logger.Warn(errors.Wrapf(statErr, "stat failed for %q", path))
		}
		return
	}

	wasNew := file == nil
	if wasNew {
		var created bool
		file, created = e.View.GetOrCreateChildFile(parent, name, e.Clock.Current())
		if created {
			e.Watcher.StartWatchFile(e.fullPath(path))
		}
	}

	forceRecursive := flags.Has(pending.Recursive)
	if wasNew {
		file.CTime = e.Clock.Current()
		forceRecursive = true
	}

	inodeChanged := file.Stat.Ino != 0 && file.Stat.Ino != newStat.Ino
	if wasNew || flags.Has(pending.ViaNotify) || file.Stat.Changed(newStat) {
		file.Exists = true
		e.View.MarkFileChanged(file, e.Clock.Current())
	} else {
		file.Exists = true
	}
	if inodeChanged {
		forceRecursive = true
	}

	wasDir := newStat.IsDirectory()
	prevWasDir := false
	if _, ok := parent.Dirs[name]; ok {
		prevWasDir = true
	}

	file.Stat = newStat

	if wasDir {
		var childFlags pending.Flags
		switch {
		case wasNew || forceRecursive:
			childFlags = pending.Recursive | pending.CrawlOnly | (flags & pending.IsDesynced)
		case flags.Has(pending.NonrecursiveScan):
			childFlags = pending.CrawlOnly | (flags & pending.IsDesynced)
		case !e.Watcher.Capabilities().Has(watch.PerFileNotifications):
			childFlags = pending.CrawlOnly
		default:
			childFlags = 0
		}
		if childFlags != 0 || wasNew || forceRecursive {
			e.Pending.Add(path, t, childFlags)
		}
	} else if prevWasDir {
		if d, ok := parent.Dirs[name]; ok {
			e.View.MarkDirDeleted(d, e.Clock.Current(), true)
		}
	}

	// Per-file-notification watchers (inotify et al.) are told about
	// changes to a file directly but, on Linux, not about the parent
	// directory itself: an unlink doesn't generate an inotify event for
	// the containing directory, and mtime granularity is too coarse to
	// reliably detect the change via stat() alone. So it's exactly this
	// class of watcher — not the watchers that already crawl the parent
	// wholesale on every pass — that needs the parent enqueued here.
	if e.Watcher.Capabilities().Has(watch.PerFileNotifications) && parent.LastCheckExisted && parentPath != "" {
		parentFlags := pending.Flags(0)
		if flags.Has(pending.ViaNotify) {
			parentFlags = pending.ViaNotify
		}
		e.Pending.Add(parentPath, t, parentFlags)
	}
}

