package view

import (
	"testing"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
)

func clockValue(tick uint64) clock.Value {
	return clock.Value{RootNumber: 1, Tick: tick}
}

func TestResolveDirCreatesIntermediate(t *testing.T) {
	v := New()
	v.Lock()
	defer v.Unlock()

	dir, ok := v.ResolveDir("a/b/c", true)
	if !ok || dir == nil {
		t.Fatal("expected dir to be created")
	}
	if dir.WholeName() != "a/b/c" {
		t.Errorf("got wholename %q", dir.WholeName())
	}

	if _, ok := v.ResolveDir("a/b/missing", false); ok {
		t.Error("expected resolve without create to fail on missing component")
	}
}

func TestGetOrCreateChildFileLinksRecency(t *testing.T) {
	v := New()
	v.Lock()
	defer v.Unlock()

	dir, _ := v.ResolveDir("", false)
	f, created := v.GetOrCreateChildFile(dir, "a.txt", clockValue(1))
	if !created {
		t.Fatal("expected new file to be created")
	}
	if v.LatestFile() != f {
		t.Error("expected new file at head of recency list")
	}

	f2, created2 := v.GetOrCreateChildFile(dir, "a.txt", clockValue(2))
	if created2 {
		t.Error("expected second call to find existing node")
	}
	if f2 != f {
		t.Error("expected same node returned")
	}
}

func TestMarkFileChangedMovesToHead(t *testing.T) {
	v := New()
	v.Lock()
	defer v.Unlock()

	dir, _ := v.ResolveDir("", false)
	a, _ := v.GetOrCreateChildFile(dir, "a", clockValue(1))
	b, _ := v.GetOrCreateChildFile(dir, "b", clockValue(1))

	if v.LatestFile() != b {
		t.Fatal("expected b (inserted last) at head")
	}

	v.MarkFileChanged(a, clockValue(3))
	if v.LatestFile() != a {
		t.Error("expected a to move to head after being marked changed")
	}
	if a.Next() != b {
		t.Error("expected b to follow a in recency order")
	}
}

func TestMarkDirDeletedCascades(t *testing.T) {
	v := New()
	v.Lock()
	defer v.Unlock()

	d, _ := v.ResolveDir("d", true)
	x, _ := v.GetOrCreateChildFile(d, "x", clockValue(1))
	x.Exists = true
	sub, _ := v.ResolveDir("d/sub", true)
	y, _ := v.GetOrCreateChildFile(sub, "y", clockValue(1))
	y.Exists = true

	v.MarkDirDeleted(d, clockValue(5), true)

	if x.Exists {
		t.Error("expected x to be marked non-existent")
	}
	if y.Exists {
		t.Error("expected nested y to be marked non-existent via recursive cascade")
	}
	if d.LastCheckExisted {
		t.Error("expected d.LastCheckExisted to be false")
	}
}

func TestRemoveEmptyDeletedDir(t *testing.T) {
	v := New()
	v.Lock()
	defer v.Unlock()

	d, _ := v.ResolveDir("d", true)
	d.LastCheckExisted = false

	if !v.RemoveEmptyDeletedDir(d) {
		t.Error("expected empty deleted dir to be removable")
	}
	if _, ok := v.root.Dirs["d"]; ok {
		t.Error("expected d to be removed from parent")
	}
}
