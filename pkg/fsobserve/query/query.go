// Package query implements the query engine described in spec.md §4.8
// (component C8): parsed query objects, a polymorphic expression tree
// with suspend-for-batch evaluation, generators that enumerate candidate
// files from the view database, and field renderers that produce the
// client-visible result objects.
package query

import (
	"time"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pathutil"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
)

// PathSpec is one entry of a "paths" query option (spec.md §6.4).
type PathSpec struct {
	Path  string
	Depth int // 0 = direct children only, -1 = infinite
}

// GlobTree configures a glob-based generator (spec.md §4.8 "glob_generator").
type GlobTree struct {
	Patterns        []string
	IncludeDotfiles bool
	NoEscape        bool
	CaseFold        bool
}

// SinceSpec is the unevaluated form of the "since" option: a wall-clock
// timestamp, a clock string, or the name of a server-held cursor (spec.md
// line 45). At most one of ClockString/Timestamp/Cursor is meaningful,
// selected by IsSet and which field is non-zero.
type SinceSpec struct {
	ClockString string
	Timestamp   time.Time
	Cursor      string
	IsSet       bool
}

// Query is the parsed form of a client query request (spec.md §4.8
// "Query object").
type Query struct {
	CaseSensitive        bool
	EmptyOnFreshInstance bool
	OmitChangedFiles     bool
	DedupResults         bool
	FailIfNoSavedState   bool
	BenchIterations      int

	RelativeRoot      string
	RelativeRootSlash string

	Paths    []PathSpec
	GlobTree *GlobTree
	Suffixes []string

	SyncTimeout time.Duration
	LockTimeout time.Duration

	Since SinceSpec

	Expression Expr
	FieldList  []string

	RequestID        string
	SubscriptionName string
	ClientPID        int
}

// Normalize fills in derived fields (relative_root_slash, lowered
// suffixes) and must be called once after a Query is constructed by a
// client-facing decoder, before Run.
func (q *Query) Normalize() {
	if q.RelativeRoot != "" {
		q.RelativeRootSlash = q.RelativeRoot + "/"
	}
	for i, s := range q.Suffixes {
		q.Suffixes[i] = lower(s)
	}
	if len(q.Suffixes) > 0 && q.GlobTree == nil {
		patterns := make([]string, len(q.Suffixes))
		for i, s := range q.Suffixes {
			patterns[i] = "**/*." + s
		}
		q.GlobTree = &GlobTree{Patterns: patterns}
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// QuerySince is the evaluated form of SinceSpec against a concrete root
// clock (spec.md §4.8 step 4). It is produced from clock.Resolved via
// SinceFromResolved; the two types aren't unified directly so that this
// package doesn't need to know about clock.Spec/clock.CursorStore, which
// are root-controller concerns.
type QuerySince struct {
	IsFreshInstance bool
	Clock           clock.Value
	Timestamp       time.Time
	IsClock         bool
}

// SinceFromResolved adapts a clock.Resolved (spec.md §4.8 step 4,
// produced by the root controller calling clock.Resolve against the
// client's since spec) into the form the generator-selection and
// since_crossed logic below consults.
func SinceFromResolved(r clock.Resolved) QuerySince {
	return QuerySince{
		IsFreshInstance: r.IsFreshInstance,
		IsClock:         !r.IsTimestamp && !r.IsFreshInstance,
		Clock:           r.Clock,
		Timestamp:       r.Timestamp,
	}
}

// Candidate is one file result as it flows through the pipeline: the
// underlying view node plus the relative path the generator produced it
// at (which may differ from the node's own WholeName once relative_root
// trimming is applied).
type Candidate struct {
	File *view.FileNode
	Name string
}

// Result is one rendered output entry: field name -> value. Values are
// any of string, bool, int64, float64, nil, or map[string]interface{}
// for error objects, matching the JSON shapes spec.md §6.5/§4.8 describe.
type Result map[string]interface{}

// Response is the full query response shape (spec.md §6.5).
type Response struct {
	IsFreshInstance bool
	Clock           string
	Files           []Result
	Warning         string
}

// evalSuspended is a candidate whose expression evaluation returned
// "need more data" and is waiting for a batch property fetch.
type evalSuspended struct {
	candidate Candidate
}

// renderSuspended is a candidate that passed evaluation but whose field
// rendering needs a batch property fetch.
type renderSuspended struct {
	candidate Candidate
}

const (
	evalBatchThreshold   = 20480
	renderBatchThreshold = 1024
)

// Context carries per-execution state through generation, evaluation,
// and rendering (spec.md §4.8 "Query object" context plus the eval/render
// batches of "Batched property fetch").
type Context struct {
	Query  *Query
	Since  QuerySince
	View   *view.View
	Fields []FieldRenderer

	dedupSeen map[string]struct{}

	evalBatch   []evalSuspended
	renderBatch []renderSuspended

	results []Result
}

func newContext(q *Query, since QuerySince, v *view.View, fields []FieldRenderer) *Context {
	ctx := &Context{Query: q, Since: since, View: v, Fields: fields}
	if q.DedupResults {
		ctx.dedupSeen = make(map[string]struct{})
	}
	return ctx
}

// Run executes the full pipeline described by spec.md §4.8 "Execution
// pipeline" steps 5-8 (steps 1-4, registering the query on the root and
// resolving since against the live clock, are the caller's
// responsibility since they require root-controller state this package
// does not own).
func Run(q *Query, since QuerySince, v *view.View, fields []FieldRenderer, clockAtStart clock.Value) Response {
	ctx := newContext(q, since, v, fields)

	v.RLock()
	generate(ctx)
	v.RUnlock()

	drainEvalBatch(ctx)
	for {
		drainRenderBatch(ctx)
		if len(ctx.renderBatch) == 0 {
			break
		}
	}

	return Response{
		IsFreshInstance: since.IsFreshInstance,
		Clock:           clockAtStart.String(),
		Files:           ctx.results,
	}
}

// generate runs the generator selected per spec.md §4.8 "Generators" default
// selection rule and feeds each candidate to processFile. Callers must hold
// the view's read lock.
func generate(ctx *Context) {
	q := ctx.Query
	switch {
	case ctx.Since.IsClock || !ctx.Since.Timestamp.IsZero():
		timeGenerator(ctx)
	case len(q.Paths) > 0:
		pathGenerator(ctx)
	case q.GlobTree != nil:
		globGenerator(ctx)
	default:
		allFilesGenerator(ctx)
	}
}

// timeGenerator implements spec.md §4.8 "time_generator".
func timeGenerator(ctx *Context) {
	for f := ctx.View.LatestFile(); f != nil; f = f.Next() {
		if sinceCrossed(ctx.Since, f) {
			break
		}
		if emitCandidate(ctx, f) {
			continue
		}
	}
}

func sinceCrossed(since QuerySince, f *view.FileNode) bool {
	if since.IsClock {
		return f.OTime.Tick <= since.Clock.Tick && f.OTime.RootNumber == since.Clock.RootNumber
	}
	if !since.Timestamp.IsZero() {
		return !f.OTime.Timestamp.After(since.Timestamp)
	}
	return false
}

// allFilesGenerator implements spec.md §4.8 "all_files_generator".
func allFilesGenerator(ctx *Context) {
	for f := ctx.View.LatestFile(); f != nil; f = f.Next() {
		emitCandidate(ctx, f)
	}
}

// pathGenerator implements spec.md §4.8 "path_generator".
func pathGenerator(ctx *Context) {
	for _, spec := range ctx.Query.Paths {
		dir, ok := ctx.View.ResolveDir(spec.Path, false)
		if !ok {
			continue
		}
		walkDir(ctx, dir, spec.Path, spec.Depth)
	}
}

func walkDir(ctx *Context, dir *view.DirNode, prefix string, depth int) {
	for _, f := range dir.Files {
		emitCandidate(ctx, f)
	}
	if depth == 0 {
		return
	}
	nextDepth := depth - 1
	if depth < 0 {
		nextDepth = depth
	}
	for name, child := range dir.Dirs {
		walkDir(ctx, child, pathutil.Join(prefix, name), nextDepth)
	}
}

// globGenerator implements a simplified spec.md §4.8 "glob_generator":
// rather than walking the dir tree component-by-component against each
// glob's literal prefix, it matches every known file's relative path
// against the configured patterns directly. This trades the walk-pruning
// optimization for a much smaller implementation; correctness (which
// files match) is identical, since doublestar.Match has no side effects
// the pruning walk exists only to avoid.
func globGenerator(ctx *Context) {
	gt := ctx.Query.GlobTree
	for f := ctx.View.LatestFile(); f != nil; f = f.Next() {
		name := f.WholeName()
		for _, pattern := range gt.Patterns {
			if globMatch(pattern, name, gt.CaseFold) {
				emitCandidate(ctx, f)
				break
			}
		}
	}
}

// emitCandidate applies relative_root scoping and hands the file to
// processFile. It returns false if the file was out of scope.
func emitCandidate(ctx *Context, f *view.FileNode) bool {
	name := f.WholeName()
	if ctx.Query.RelativeRoot != "" {
		if !pathutil.IsWithin(ctx.Query.RelativeRoot, name) {
			return false
		}
		name = pathutil.TrimRoot(ctx.Query.RelativeRoot, name)
	}
	processFile(ctx, Candidate{File: f, Name: name})
	return true
}

// processFile implements spec.md §4.8 "process_file".
func processFile(ctx *Context, c Candidate) {
	q := ctx.Query

	if ctx.Since.IsFreshInstance && q.EmptyOnFreshInstance {
		return
	}

	expr := q.Expression
	if ctx.Since.IsFreshInstance {
		expr = And(Exists(), expr)
	}

	verdict := expr.Evaluate(ctx, c)
	if verdict == nil {
		ctx.evalBatch = append(ctx.evalBatch, evalSuspended{candidate: c})
		if len(ctx.evalBatch) >= evalBatchThreshold {
			drainEvalBatch(ctx)
		}
		return
	}
	if !*verdict {
		return
	}

	if q.DedupResults {
		if _, seen := ctx.dedupSeen[c.Name]; seen {
			return
		}
		ctx.dedupSeen[c.Name] = struct{}{}
	}

	renderFile(ctx, c)
}

func renderFile(ctx *Context, c Candidate) {
	result := make(Result, len(ctx.Fields))
	suspended := false
	for _, r := range ctx.Fields {
		value, ok := r.Render(ctx, c)
		if !ok {
			suspended = true
			break
		}
		result[r.Name()] = value
	}
	if suspended {
		ctx.renderBatch = append(ctx.renderBatch, renderSuspended{candidate: c})
		if len(ctx.renderBatch) >= renderBatchThreshold {
			drainRenderBatch(ctx)
		}
		return
	}
	ctx.results = append(ctx.results, result)
}

// drainEvalBatch implements spec.md §4.8 "batch_fetch_properties" for
// the evaluation batch: it re-invokes processFile on every suspended
// candidate. Unlike a real content-hash-backed property set, nothing in
// this engine's built-in expressions actually needs an async fetch (stat
// data is always already resident on the view node), so the "fetch" step
// is a no-op and this just retries evaluation, which always completes
// the second time.
func drainEvalBatch(ctx *Context) {
	if len(ctx.evalBatch) == 0 {
		return
	}
	batch := ctx.evalBatch
	ctx.evalBatch = nil
	for _, s := range batch {
		processFile(ctx, s.candidate)
	}
}

// drainRenderBatch re-invokes renderFile on every suspended candidate
// (spec.md §4.8: "drained in a loop until no element reports None"). None
// of the renderers in fields.go suspend (ContentSha1HexRenderer and
// SymlinkTargetRenderer call their loaders synchronously), so only a
// caller-supplied FieldRenderer can leave candidates here.
func drainRenderBatch(ctx *Context) {
	if len(ctx.renderBatch) == 0 {
		return
	}
	batch := ctx.renderBatch
	ctx.renderBatch = nil
	for _, s := range batch {
		renderFile(ctx, s.candidate)
	}
}
