package crawler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/cookie"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pending"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/watch"
)

// fakeAdapter is a minimal watch.Adapter stub that never produces OS
// events, so tests can drive the crawler purely through full crawls.
type fakeAdapter struct {
	watchedDirs []string
}

func (f *fakeAdapter) Capabilities() watch.Capability { return watch.PerFileNotifications }
func (f *fakeAdapter) Start(context.Context) error    { return nil }
func (f *fakeAdapter) StartWatchDir(h watch.DirHandle) error {
	f.watchedDirs = append(f.watchedDirs, h.Path)
	return nil
}
func (f *fakeAdapter) StartWatchFile(string) error   { return nil }
func (f *fakeAdapter) WaitNotify(time.Duration) bool { return false }
func (f *fakeAdapter) ConsumeNotify(*pending.Collection, time.Time) watch.ConsumeResult {
	return watch.ConsumeResult{}
}
func (f *fakeAdapter) SignalThreads()                      {}
func (f *fakeAdapter) FlushPendingEvents() <-chan struct{} { return nil }
func (f *fakeAdapter) Terminate() error                    { return nil }

// crawlOnlyAdapter is a watch.Adapter stub reporting no capabilities at
// all, i.e. a watcher that learns about changes only by rescanning whole
// directories (matching the original implementation's "all the other
// cases, crawl" branch for watchers without per-file notifications).
type crawlOnlyAdapter struct{ fakeAdapter }

func (c *crawlOnlyAdapter) Capabilities() watch.Capability { return 0 }

type fakeHooks struct {
	ignored map[string]bool
	settled int
}

func (h *fakeHooks) ShouldRecrawl() bool                { return false }
func (h *fakeHooks) ScheduleRecrawl(string)              {}
func (h *fakeHooks) IsIgnored(path string) bool          { return h.ignored[path] }
func (h *fakeHooks) Settled()                            { h.settled++ }
func (h *fakeHooks) HandleOpenErrno(string, time.Time, string, error) {}

func TestFullCrawlPopulatesView(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := view.New()
	e := &Engine{
		RootPath: root,
		View:     v,
		Clock:    clock.NewRoot(),
		Watcher:  &fakeAdapter{},
		Cookies:  cookie.New(nil, root),
		Pending:  pending.New(),
		Hooks:    &fakeHooks{ignored: map[string]bool{}},
		Logger:   nil,
		Config:   DefaultConfig(),
	}

	e.FullCrawl()

	v.RLock()
	defer v.RUnlock()

	rootDir, ok := v.ResolveDir("", false)
	if !ok {
		t.Fatal("expected root dir to resolve")
	}
	a, ok := rootDir.Files["a.txt"]
	if !ok || !a.Exists {
		t.Fatal("expected a.txt to be discovered and marked existing")
	}
	if a.Stat.Size != 5 {
		t.Errorf("expected size 5, got %d", a.Stat.Size)
	}

	sub, ok := rootDir.Dirs["sub"]
	if !ok {
		t.Fatal("expected sub directory to be discovered")
	}
	b, ok := sub.Files["b.txt"]
	if !ok || !b.Exists {
		t.Fatal("expected sub/b.txt to be discovered and marked existing")
	}
}

func TestStatPathMarksDeletionWhenFileRemoved(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := view.New()
	e := &Engine{
		RootPath: root,
		View:     v,
		Clock:    clock.NewRoot(),
		Watcher:  &fakeAdapter{},
		Cookies:  cookie.New(nil, root),
		Pending:  pending.New(),
		Hooks:    &fakeHooks{ignored: map[string]bool{}},
		Config:   DefaultConfig(),
	}

	v.Lock()
	e.StatPath("gone.txt", time.Now(), 0, nil)
	v.Unlock()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	v.Lock()
	e.StatPath("gone.txt", time.Now(), 0, nil)
	v.Unlock()

	v.RLock()
	defer v.RUnlock()
	rootDir, _ := v.ResolveDir("", false)
	f := rootDir.Files["gone.txt"]
	if f == nil || f.Exists {
		t.Fatal("expected gone.txt to be marked non-existent")
	}
}

func TestStatPathPropagatesUnlinkToParentForPerFileNotificationWatchers(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(root, "sub", "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := view.New()
	e := &Engine{
		RootPath: root,
		View:     v,
		Clock:    clock.NewRoot(),
		Watcher:  &fakeAdapter{}, // PerFileNotifications, like inotify
		Cookies:  cookie.New(nil, root),
		Pending:  pending.New(),
		Hooks:    &fakeHooks{ignored: map[string]bool{}},
		Config:   DefaultConfig(),
	}

	v.Lock()
	e.StatPath("sub/target.txt", time.Now(), 0, nil)
	v.Unlock()
	// Discard what discovering the file enqueued (it already includes
	// "sub"), so that only the unlink's own propagation is checked below.
	e.Pending.StealItems()

	now := time.Now()
	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}
	// On Linux, an inotify-capable watcher is never told about this unlink
	// via a parent-directory event, and mtime granularity may be too
	// coarse for a later stat() of "sub" to notice it changed. StatPath
	// must compensate by enqueueing the parent itself.
	v.Lock()
	e.StatPath("sub/target.txt", now, 0, nil)
	v.Unlock()

	items := e.Pending.StealItems()
	found := false
	for _, it := range items {
		if it.Path == "sub" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unlink to enqueue parent dir %q for a per-file-notification watcher, got %+v", "sub", items)
	}
}

func TestStatPathDoesNotPropagateUnlinkToParentForCrawlOnlyWatchers(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(root, "sub", "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := view.New()
	e := &Engine{
		RootPath: root,
		View:     v,
		Clock:    clock.NewRoot(),
		Watcher:  &crawlOnlyAdapter{},
		Cookies:  cookie.New(nil, root),
		Pending:  pending.New(),
		Hooks:    &fakeHooks{ignored: map[string]bool{}},
		Config:   DefaultConfig(),
	}

	v.Lock()
	e.StatPath("sub/target.txt", time.Now(), 0, nil)
	v.Unlock()

	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}
	v.Lock()
	e.StatPath("sub/target.txt", time.Now(), 0, nil)
	v.Unlock()

	items := e.Pending.StealItems()
	for _, it := range items {
		if it.Path == "sub" && it.Flags != pending.CrawlOnly {
			t.Fatalf("expected a crawl-only watcher's only parent entry to be its CrawlOnly rescan, not a parent-propagation entry: %+v", items)
		}
	}
}

func TestStopThreadsIsIdempotentAndObservedByStopping(t *testing.T) {
	root := t.TempDir()
	e := &Engine{
		RootPath: root,
		View:     view.New(),
		Clock:    clock.NewRoot(),
		Watcher:  &fakeAdapter{},
		Cookies:  cookie.New(nil, root),
		Pending:  pending.New(),
		Hooks:    &fakeHooks{ignored: map[string]bool{}},
		Config:   DefaultConfig(),
	}

	if e.stopping() {
		t.Fatal("expected a fresh engine to not be stopping")
	}

	e.StopThreads()
	e.StopThreads() // must not panic or otherwise misbehave when called twice

	if !e.stopping() {
		t.Fatal("expected stopping() to observe StopThreads")
	}
}

func TestProcessPathRoutesCookiesToSynchronizer(t *testing.T) {
	root := t.TempDir()
	v := view.New()
	cookies := cookie.New(nil, root)

	e := &Engine{
		RootPath: root,
		View:     v,
		Clock:    clock.NewRoot(),
		Watcher:  &fakeAdapter{},
		Cookies:  cookies,
		Pending:  pending.New(),
		Hooks:    &fakeHooks{ignored: map[string]bool{}},
		Config:   DefaultConfig(),
	}

	name := cookie.Prefix + "test-1"
	if err := os.WriteFile(filepath.Join(root, name), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	v.Lock()
	e.ProcessPath(&pending.Change{Path: name, ObservedTime: time.Now(), Flags: pending.ViaNotify})
	v.Unlock()

	v.RLock()
	defer v.RUnlock()
	rootDir, _ := v.ResolveDir("", false)
	if _, exists := rootDir.Files[name]; exists {
		t.Error("expected cookie path to never become a view file node")
	}
}
