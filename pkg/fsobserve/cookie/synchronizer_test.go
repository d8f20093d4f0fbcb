package cookie

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsCookiePath(t *testing.T) {
	if !IsCookiePath(".watchman-cookie-abc-1") {
		t.Error("expected cookie-prefixed basename to be recognized")
	}
	if IsCookiePath("regular-file.txt") {
		t.Error("expected non-cookie basename to be rejected")
	}
}

func TestSyncToNowFulfillsOnNotify(t *testing.T) {
	dir := t.TempDir()
	s := New(nil, dir)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SyncToNow(context.Background(), time.Second)
	}()

	// Poll until the cookie file shows up, then notify it, as the IO thread
	// would upon observing it via the watcher.
	var cookiePath string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if IsCookiePath(e.Name()) {
				cookiePath = filepath.Join(dir, e.Name())
			}
		}
		if cookiePath != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if cookiePath == "" {
		t.Fatal("cookie file was never written")
	}

	if !s.NotifyCookie(cookiePath) {
		t.Error("expected NotifyCookie to recognize the cookie path")
	}

	if err := <-errCh; err != nil {
		t.Errorf("expected SyncToNow to succeed, got %v", err)
	}
}

func TestSyncToNowTimesOut(t *testing.T) {
	dir := t.TempDir()
	s := New(nil, dir)

	err := s.SyncToNow(context.Background(), 20*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestAbortAllCookiesFulfillsWithError(t *testing.T) {
	dir := t.TempDir()
	s := New(nil, dir)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SyncToNow(context.Background(), time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	s.AbortAllCookies()

	if err := <-errCh; err != ErrAborted {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

func TestSyncWritesOnePerCookieDir(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	s := New(nil, dirA)
	s.AddCookieDir(dirB)

	promise, err := s.Sync()
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	entriesA, _ := os.ReadDir(dirA)
	entriesB, _ := os.ReadDir(dirB)
	if len(entriesA) != 1 || len(entriesB) != 1 {
		t.Fatalf("expected one cookie file per directory, got %d and %d", len(entriesA), len(entriesB))
	}

	pathA := filepath.Join(dirA, entriesA[0].Name())
	pathB := filepath.Join(dirB, entriesB[0].Name())
	s.NotifyCookie(pathA)

	select {
	case <-promise.done:
		t.Fatal("promise fulfilled before both cookie dirs were observed")
	default:
	}

	s.NotifyCookie(pathB)
	if err := promise.Wait(context.Background()); err != nil {
		t.Errorf("expected promise to fulfill cleanly, got %v", err)
	}
}
