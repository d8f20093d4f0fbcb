package query

import (
	"testing"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
)

func populated(t *testing.T) (*view.View, *clock.Root) {
	t.Helper()
	v := view.New()
	c := clock.NewRoot()

	v.Lock()
	defer v.Unlock()

	root, _ := v.ResolveDir("", true)
	f, _ := v.GetOrCreateChildFile(root, "a.txt", c.Bump())
	f.Exists = true
	v.MarkFileChanged(f, c.Current())

	sub, _ := v.ResolveDir("sub", true)
	g, _ := v.GetOrCreateChildFile(sub, "b.c", c.Bump())
	g.Exists = true
	v.MarkFileChanged(g, c.Current())

	return v, c
}

func runQuery(q *Query, v *view.View, fields []FieldRenderer) Response {
	q.Normalize()
	since := QuerySince{IsFreshInstance: true}
	return Run(q, since, v, fields, clock.Value{})
}

func TestAllFilesGeneratorWithExistsExpression(t *testing.T) {
	v, _ := populated(t)
	q := &Query{Expression: Exists()}
	resp := runQuery(q, v, []FieldRenderer{NameRenderer()})

	if len(resp.Files) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(resp.Files), resp.Files)
	}
}

func TestSuffixExpressionFiltersByExtension(t *testing.T) {
	v, _ := populated(t)
	q := &Query{Expression: AllOf(Exists(), Suffix([]string{"c"}))}
	resp := runQuery(q, v, []FieldRenderer{NameRenderer()})

	if len(resp.Files) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(resp.Files), resp.Files)
	}
	if resp.Files[0]["name"] != "sub/b.c" {
		t.Errorf("unexpected name: %v", resp.Files[0]["name"])
	}
}

func TestEmptyOnFreshInstanceSkipsEverything(t *testing.T) {
	v, _ := populated(t)
	q := &Query{Expression: Exists(), EmptyOnFreshInstance: true}
	resp := runQuery(q, v, []FieldRenderer{NameRenderer()})

	if len(resp.Files) != 0 {
		t.Fatalf("expected 0 results, got %d", len(resp.Files))
	}
	if !resp.IsFreshInstance {
		t.Error("expected IsFreshInstance to be true")
	}
}

func TestDedupResultsEmitsEachNameOnce(t *testing.T) {
	v, _ := populated(t)
	q := &Query{
		Expression:   Exists(),
		DedupResults: true,
		GlobTree:     &GlobTree{Patterns: []string{"**/*"}},
		Paths:        []PathSpec{{Path: "", Depth: -1}},
	}
	resp := runQuery(q, v, []FieldRenderer{NameRenderer()})

	seen := map[string]int{}
	for _, f := range resp.Files {
		seen[f["name"].(string)]++
	}
	for name, count := range seen {
		if count != 1 {
			t.Errorf("name %q emitted %d times, want 1", name, count)
		}
	}
}

func TestNotAndAllOfCompose(t *testing.T) {
	v, _ := populated(t)
	q := &Query{Expression: AllOf(Exists(), Not(Suffix([]string{"c"})))}
	resp := runQuery(q, v, []FieldRenderer{NameRenderer()})

	if len(resp.Files) != 1 || resp.Files[0]["name"] != "a.txt" {
		t.Fatalf("unexpected results: %+v", resp.Files)
	}
}
