package root

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/logging"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pending"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/query"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/watch"
)

type noopAdapter struct{ caps watch.Capability }

func (a *noopAdapter) Capabilities() watch.Capability                  { return a.caps }
func (a *noopAdapter) Start(context.Context) error                     { return nil }
func (a *noopAdapter) StartWatchDir(watch.DirHandle) error             { return nil }
func (a *noopAdapter) StartWatchFile(string) error                     { return nil }
func (a *noopAdapter) WaitNotify(time.Duration) bool                   { return false }
func (a *noopAdapter) ConsumeNotify(*pending.Collection, time.Time) watch.ConsumeResult {
	return watch.ConsumeResult{}
}
func (a *noopAdapter) SignalThreads()                  {}
func (a *noopAdapter) FlushPendingEvents() <-chan struct{} { return nil }
func (a *noopAdapter) Terminate() error                { return nil }

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	logging.SetLevel(logging.LevelError)
	r := New(t.TempDir(), &noopAdapter{}, logging.RootLogger, DefaultConfig())
	r.Ignore = NewIgnoreRules(nil, []string{".git"})
	return r
}

func TestIsIgnoredMatchesVCSDirAnywhere(t *testing.T) {
	r := newTestRoot(t)
	if !r.IsIgnored("sub/.git") {
		t.Error("expected sub/.git to be ignored")
	}
	if !r.IsIgnored("sub/.git/objects/pack") {
		t.Error("expected a path under .git to be ignored")
	}
	if r.IsIgnored("sub/src") {
		t.Error("did not expect sub/src to be ignored")
	}
}

func TestCancelIsIdempotentAndPublishes(t *testing.T) {
	r := newTestRoot(t)
	sub := r.UnilateralResponses.Subscribe(4)
	defer sub.Close()

	r.Cancel("test reason")
	r.Cancel("second call should be a no-op")

	cancelled, reason := r.Cancelled()
	if !cancelled {
		t.Fatal("expected root to be cancelled")
	}
	if reason != "test reason" {
		t.Errorf("expected first cancel reason to stick, got %q", reason)
	}

	select {
	case msg := <-sub.Messages():
		m := msg.(map[string]interface{})
		if m["canceled"] != true {
			t.Errorf("expected a canceled broadcast, got %+v", m)
		}
	default:
		t.Fatal("expected a cancelled broadcast to be published")
	}

	select {
	case <-sub.Messages():
		t.Fatal("expected only one cancelled broadcast from two Cancel calls")
	default:
	}
}

func TestAssertAndLeaveStateBroadcastsFIFOOrder(t *testing.T) {
	r := newTestRoot(t)
	sub := r.UnilateralResponses.Subscribe(8)
	defer sub.Close()

	r.AssertState("a", "a-payload")
	r.AssertState("b", "b-payload")

	msg := (<-sub.Messages()).(map[string]interface{})
	if msg["state-enter"] != "a" {
		t.Fatalf("expected state-enter a first, got %+v", msg)
	}

	if err := r.LeaveState("b", nil); err == nil {
		t.Fatal("expected LeaveState on a non-front state to fail")
	}

	if err := r.LeaveState("a", "a-leave"); err != nil {
		t.Fatalf("LeaveState(a) failed: %v", err)
	}

	leave := (<-sub.Messages()).(map[string]interface{})
	if leave["state-leave"] != "a" {
		t.Fatalf("expected state-leave a, got %+v", leave)
	}
	enterB := (<-sub.Messages()).(map[string]interface{})
	if enterB["state-enter"] != "b" {
		t.Fatalf("expected state-enter b to follow, got %+v", enterB)
	}
}

func TestConsiderReapRespectsSubscribersAndTriggers(t *testing.T) {
	r := newTestRoot(t)
	r.Config.IdleReapAge = time.Millisecond

	r.RegisterSubscriber()
	time.Sleep(2 * time.Millisecond)
	if r.ConsiderReap() {
		t.Error("should not reap while a subscriber is registered")
	}
	r.UnregisterSubscriber()

	if !r.ConsiderReap() {
		t.Error("expected reap once idle with no subscribers/triggers")
	}
}

func TestHandleOpenErrnoPoisonsOnResourceExhaustion(t *testing.T) {
	r := newTestRoot(t)
	r.HandleOpenErrno("sub/dir", time.Now(), "open", syscall.EMFILE)

	cancelled, _ := r.Cancelled()
	if cancelled {
		t.Fatal("resource exhaustion should poison, not cancel, the root")
	}
	r.mu.Lock()
	reason := r.failureReason
	r.mu.Unlock()
	if reason == "" {
		t.Error("expected a recorded failure reason after EMFILE")
	}
}

func TestHandleOpenErrnoCancelsOnRootPathFailure(t *testing.T) {
	r := newTestRoot(t)
	r.HandleOpenErrno("", time.Now(), "lstat", syscall.ENOENT)

	cancelled, _ := r.Cancelled()
	if !cancelled {
		t.Fatal("expected root-path stat failure to cancel the root")
	}
}

func TestAgeOutRemovesOldNonexistentFiles(t *testing.T) {
	r := newTestRoot(t)

	r.View.Lock()
	dir, _ := r.View.ResolveDir("sub", true)
	f, _ := r.View.GetOrCreateChildFile(dir, "gone.txt", r.Clock.Current())
	f.Exists = false
	old := clock.Value{RootNumber: r.Clock.Number(), Tick: 7, Timestamp: time.Now().Add(-48 * time.Hour)}
	r.View.MarkFileChanged(f, old)
	r.View.Unlock()

	r.AgeOut(time.Hour)

	r.View.RLock()
	defer r.View.RUnlock()
	d, ok := r.View.ResolveDir("sub", false)
	if ok && len(d.Files) != 0 {
		t.Errorf("expected aged-out file to be removed, files=%v", d.Files)
	}
	if r.Clock.LastAgeOutTick() < 7 {
		t.Errorf("expected last_age_out_tick >= 7, got %d", r.Clock.LastAgeOutTick())
	}
}

func TestRunQueryAdvancesNamedCursorAcrossCalls(t *testing.T) {
	r := newTestRoot(t)

	r.View.Lock()
	dir, _ := r.View.ResolveDir("sub", true)
	r.View.Unlock()
	r.Clock.Bump() // simulate an initial crawl pass settling before any client ever queries

	q := &query.Query{Since: query.SinceSpec{IsSet: true, Cursor: "mysub"}, Expression: query.Exists()}
	q.Normalize()

	first, err := r.RunQuery(q, nil)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if !first.IsFreshInstance {
		t.Fatal("expected the first query against an unseen cursor to be fresh-instance")
	}
	if _, ok := r.Cursors.Get("mysub"); !ok {
		t.Fatal("expected RunQuery to record the cursor after completion")
	}

	r.View.Lock()
	f, _ := r.View.GetOrCreateChildFile(dir, "new.txt", r.Clock.Bump())
	f.Exists = true
	r.View.MarkFileChanged(f, r.Clock.Current())
	r.View.Unlock()

	second, err := r.RunQuery(q, nil)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if second.IsFreshInstance {
		t.Fatal("expected the second query against an established cursor to be incremental")
	}
}

func TestAgeOutPrunesCursorsAtOrBelowAgedOutTick(t *testing.T) {
	r := newTestRoot(t)
	r.Cursors.Set("stale", 5)
	r.Cursors.Set("fresh", 100)

	r.View.Lock()
	dir, _ := r.View.ResolveDir("sub", true)
	f, _ := r.View.GetOrCreateChildFile(dir, "gone.txt", r.Clock.Current())
	f.Exists = false
	old := clock.Value{RootNumber: r.Clock.Number(), Tick: 7, Timestamp: time.Now().Add(-48 * time.Hour)}
	r.View.MarkFileChanged(f, old)
	r.View.Unlock()

	r.AgeOut(time.Hour)

	if _, ok := r.Cursors.Get("stale"); ok {
		t.Error("expected a cursor at or below the aged-out tick to be pruned")
	}
	if _, ok := r.Cursors.Get("fresh"); !ok {
		t.Error("expected a cursor above the aged-out tick to survive")
	}
}

func TestAgeOutKeepsRecentlyDeletedFiles(t *testing.T) {
	r := newTestRoot(t)

	r.View.Lock()
	dir, _ := r.View.ResolveDir("sub", true)
	f, _ := r.View.GetOrCreateChildFile(dir, "recent.txt", r.Clock.Current())
	f.Exists = false
	r.View.MarkFileChanged(f, r.Clock.Current())
	r.View.Unlock()

	r.AgeOut(time.Hour)

	r.View.RLock()
	defer r.View.RUnlock()
	d, _ := r.View.ResolveDir("sub", false)
	if _, ok := d.Files["recent.txt"]; !ok {
		t.Error("expected a recently deleted file to survive age-out")
	}
}
