package propcache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetCachesLoadedValue(t *testing.T) {
	var loads int32
	c := New(8, time.Minute, func(key interface{}) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		return key.(string) + "-value", nil
	})

	v1, err := c.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := c.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != "a-value" || v2 != "a-value" {
		t.Fatalf("unexpected values: %v, %v", v1, v2)
	}
	if atomic.LoadInt32(&loads) != 1 {
		t.Fatalf("expected exactly one load, got %d", loads)
	}

	if stats := c.StatsSnapshot(); stats.Hit == 0 || stats.Miss == 0 {
		t.Fatalf("expected both a miss and a hit, got %+v", stats)
	}
}

func TestGetSingleFlightsConcurrentLoads(t *testing.T) {
	var loads int32
	block := make(chan struct{})
	c := New(8, time.Minute, func(key interface{}) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		<-block
		return "value", nil
	})

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.Get("shared"); err != nil {
				t.Error(err)
			}
		}()
	}

	close(block)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected exactly one load for a shared key, got %d", got)
	}
}

func TestGetCachesNegativeResultUntilTTLExpires(t *testing.T) {
	var loads int32
	wantErr := errors.New("boom")
	c := New(8, 10*time.Millisecond, func(key interface{}) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		return nil, wantErr
	})

	if _, err := c.Get("k"); !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr, got %v", err)
	}
	if _, err := c.Get("k"); !errors.Is(err, wantErr) {
		t.Fatalf("expected cached wantErr, got %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected one load before TTL expiry, got %d", got)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get("k"); !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr after reload, got %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("expected reload after TTL expiry, got %d loads", got)
	}
}

func TestEraseForcesReload(t *testing.T) {
	var loads int32
	c := New(8, time.Minute, func(key interface{}) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		return "v", nil
	})

	if _, err := c.Get("k"); err != nil {
		t.Fatal(err)
	}
	c.Erase("k")
	if _, err := c.Get("k"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("expected reload after erase, got %d loads", got)
	}
}

func TestContentHashCacheHitsOnUnchangedStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	c := NewContentHashCache(dir, 8, time.Minute)

	first, err := c.Sha1Hex("f.txt", uint64(info.Size()), info.ModTime())
	if err != nil {
		t.Fatal(err)
	}
	const wantSha1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" // sha1("hello")
	if first != wantSha1 {
		t.Fatalf("Sha1Hex = %q, want %q", first, wantSha1)
	}

	second, err := c.Sha1Hex("f.txt", uint64(info.Size()), info.ModTime())
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("cached Sha1Hex = %q, want %q", second, first)
	}
	if c.Stats().Hit == 0 {
		t.Fatal("expected at least one cache hit")
	}

	// A changed (size, mtime) key must miss even though the path is the same.
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	newInfo, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	before := c.Stats().Miss
	if _, err := c.Sha1Hex("f.txt", uint64(newInfo.Size()), newInfo.ModTime()); err != nil {
		t.Fatal(err)
	}
	if c.Stats().Miss <= before {
		t.Fatal("expected a cache miss after content changed")
	}
}
