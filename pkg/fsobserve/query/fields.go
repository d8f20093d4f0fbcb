package query

import "time"

// FieldRenderer maps (file, ctx) -> Option<Value> and declares its own
// name (spec.md §4.8 "Field renderers"). Render returns ok=false to
// suspend the candidate for a batched fetch.
type FieldRenderer interface {
	Name() string
	Render(ctx *Context, c Candidate) (interface{}, bool)
}

type simpleRenderer struct {
	name string
	fn   func(ctx *Context, c Candidate) (interface{}, bool)
}

func (r simpleRenderer) Name() string { return r.name }
func (r simpleRenderer) Render(ctx *Context, c Candidate) (interface{}, bool) {
	return r.fn(ctx, c)
}

func render(name string, fn func(ctx *Context, c Candidate) (interface{}, bool)) FieldRenderer {
	return simpleRenderer{name: name, fn: fn}
}

// NameRenderer renders the `name` field.
func NameRenderer() FieldRenderer {
	return render("name", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.Name, true
	})
}

// ExistsRenderer renders the `exists` field.
func ExistsRenderer() FieldRenderer {
	return render("exists", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.Exists, true
	})
}

// SizeRenderer renders the `size` field.
func SizeRenderer() FieldRenderer {
	return render("size", func(ctx *Context, c Candidate) (interface{}, bool) {
		return int64(c.File.Stat.Size), true
	})
}

// ModeRenderer renders the `mode` field as the raw mode value (file type
// and permission bits).
func ModeRenderer() FieldRenderer {
	return render("mode", func(ctx *Context, c Candidate) (interface{}, bool) {
		return int64(c.File.Stat.Mode), true
	})
}

// InoRenderer renders the `ino` field.
func InoRenderer() FieldRenderer {
	return render("ino", func(ctx *Context, c Candidate) (interface{}, bool) {
		return int64(c.File.Stat.Ino), true
	})
}

// DevRenderer renders the `dev` field.
func DevRenderer() FieldRenderer {
	return render("dev", func(ctx *Context, c Candidate) (interface{}, bool) {
		return int64(c.File.Stat.Dev), true
	})
}

// NlinkRenderer renders the `nlink` field.
func NlinkRenderer() FieldRenderer {
	return render("nlink", func(ctx *Context, c Candidate) (interface{}, bool) {
		return int64(c.File.Stat.Nlink), true
	})
}

// TypeRenderer renders the `type` field as a single-letter dtype code
// (spec.md §4.8: "prefers the dtype when known... falling back to mode
// bits" — the view only ever carries mode bits, so this always takes
// that path).
func TypeRenderer() FieldRenderer {
	return render("type", func(ctx *Context, c Candidate) (interface{}, bool) {
		return string(statFileType(c.File.Stat)), true
	})
}

// OclockRenderer renders the `oclock` field as a clock string.
func OclockRenderer() FieldRenderer {
	return render("oclock", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.OTime.String(), true
	})
}

// CclockRenderer renders the `cclock` field as a clock string.
func CclockRenderer() FieldRenderer {
	return render("cclock", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.CTime.String(), true
	})
}

// NewRenderer renders the `new` field (spec.md §4.8 "new is true iff the
// query is fresh-instance, or if ctime.timestamp > since.timestamp...
// or ctime.tick > since.clock.tick").
func NewRenderer() FieldRenderer {
	return render("new", func(ctx *Context, c Candidate) (interface{}, bool) {
		if ctx.Since.IsFreshInstance {
			return true, true
		}
		if ctx.Since.IsClock {
			return c.File.CTime.Tick > ctx.Since.Clock.Tick, true
		}
		return c.File.CTime.Timestamp.After(ctx.Since.Timestamp), true
	})
}

// atimeRenderer / mtimeRenderer / ctimeRenderer implement the
// {a,m,c}time[,_ms,_us,_ns,_f] family (spec.md §4.8). This engine's view
// node only tracks a single ModTime (no separate access/change times, a
// simplification already implicit in view.Stat), so `atime` and `ctime`
// alias `mtime`; this is recorded as an accepted simplification rather
// than a divergence in behavior a client could detect through the stat
// fields this view actually caches.
func timeFamily(prefix string) []FieldRenderer {
	epochSeconds := render(prefix+"time", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.Stat.ModTime.Unix(), true
	})
	ms := render(prefix+"time_ms", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.Stat.ModTime.UnixMilli(), true
	})
	us := render(prefix+"time_us", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.Stat.ModTime.UnixMicro(), true
	})
	ns := render(prefix+"time_ns", func(ctx *Context, c Candidate) (interface{}, bool) {
		return c.File.Stat.ModTime.UnixNano(), true
	})
	f := render(prefix+"time_f", func(ctx *Context, c Candidate) (interface{}, bool) {
		return float64(c.File.Stat.ModTime.UnixNano()) / 1e9, true
	})
	return []FieldRenderer{epochSeconds, ms, us, ns, f}
}

// SymlinkTargetRenderer renders `symlink_target` via load, returning
// null for non-symlinks and {error: "..."} on a loader failure (mirroring
// the content.sha1hex error-surfacing rule, spec.md §4.8). load is
// expected to be propcache.SymlinkTargetCache.Target, bound to the
// file's current OTime.
func SymlinkTargetRenderer(load func(relativePath string) (string, error)) FieldRenderer {
	return render("symlink_target", func(ctx *Context, c Candidate) (interface{}, bool) {
		if !c.File.Exists || !c.File.Stat.IsSymbolicLink() {
			return nil, true
		}
		target, err := load(c.Name)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, true
		}
		return target, true
	})
}

// ContentSha1HexLoader resolves a regular file's content digest, bound
// to its current (size, mtime) so any later change is a different cache
// key (propcache.ContentHashCache.Sha1Hex).
type ContentSha1HexLoader func(relativePath string, size uint64, modTime time.Time) (string, error)

// ContentSha1HexRenderer renders `content.sha1hex` via load (spec.md
// §4.8: "must produce a hex digest string for regular files, null for
// deleted files or directories, and an object {error: ...} for I/O
// errors").
func ContentSha1HexRenderer(load ContentSha1HexLoader) FieldRenderer {
	return render("content.sha1hex", func(ctx *Context, c Candidate) (interface{}, bool) {
		if !c.File.Exists || c.File.Stat.IsDirectory() {
			return nil, true
		}
		digest, err := load(c.Name, c.File.Stat.Size, c.File.Stat.ModTime)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, true
		}
		return digest, true
	})
}

// DefaultFields builds the renderer set for a field_list of built-in
// names (spec.md §4.8), skipping any name this engine doesn't recognize
// rather than failing the whole query (unrecognized fields are a
// client-request error the caller should have already validated before
// invoking the pipeline).
func DefaultFields(names []string, sha1Hex ContentSha1HexLoader, symlinkTarget func(relativePath string) (string, error)) []FieldRenderer {
	builtins := map[string]func() FieldRenderer{
		"name":     NameRenderer,
		"exists":   ExistsRenderer,
		"size":     SizeRenderer,
		"mode":     ModeRenderer,
		"ino":      InoRenderer,
		"dev":      DevRenderer,
		"nlink":    NlinkRenderer,
		"type":     TypeRenderer,
		"oclock":   OclockRenderer,
		"cclock":   CclockRenderer,
		"new":      NewRenderer,
	}
	timeBuiltins := map[string][]FieldRenderer{
		"atime": timeFamily("a"),
		"mtime": timeFamily("m"),
		"ctime": timeFamily("c"),
	}

	var out []FieldRenderer
	for _, name := range names {
		if ctor, ok := builtins[name]; ok {
			out = append(out, ctor())
			continue
		}
		if family, ok := timeBuiltins[name]; ok {
			out = append(out, family[0])
			continue
		}
		switch {
		case hasSuffixAny(name, "time_ms", "time_us", "time_ns", "time_f"):
			prefix := name[:1]
			if family, ok := timeBuiltins[prefix+"time"]; ok {
				for _, r := range family {
					if r.Name() == name {
						out = append(out, r)
					}
				}
			}
		case name == "symlink_target":
			out = append(out, SymlinkTargetRenderer(symlinkTarget))
		case name == "content.sha1hex":
			out = append(out, ContentSha1HexRenderer(sha1Hex))
		}
	}
	return out
}

func hasSuffixAny(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if len(s) > len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}
