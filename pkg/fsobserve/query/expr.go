package query

import (
	"strings"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/pathutil"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
)

// Expr is a node in the query expression tree (spec.md §4.8 "Expression
// tree"). Evaluate returns nil to signal "need more data"; the caller
// must then suspend the candidate for a batched property fetch and
// retry later. In this engine every built-in expression can always be
// evaluated directly from the view node's already-resident stat fields,
// so nil is never actually produced by the built-ins below — the
// contract exists for registered extensions that do need an async
// property (spec.md: "Registration is open-ended;
// register_expression_parser(name, parser) adds a new term").
type Expr interface {
	Evaluate(ctx *Context, c Candidate) *bool
}

// ExprFunc adapts a plain function to Expr.
type ExprFunc func(ctx *Context, c Candidate) *bool

func (f ExprFunc) Evaluate(ctx *Context, c Candidate) *bool { return f(ctx, c) }

func boolPtr(b bool) *bool { return &b }

// Exists implements the `exists` expression.
func Exists() Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		return boolPtr(c.File.Exists)
	})
}

// Empty implements the `empty` expression: true for existing entries whose
// cached stat size is zero. A directory is judged by the size its stat
// reports; its entries are not counted.
func Empty() Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		return boolPtr(c.File.Exists && c.File.Stat.Size == 0)
	})
}

// FileType identifies one of the single-letter dtype codes spec.md §4.8
// "type" describes.
type FileType byte

const (
	TypeFile          FileType = 'f'
	TypeDirectory     FileType = 'd'
	TypeSymbolicLink  FileType = 'l'
	TypeUnknown       FileType = '?'
)

func statFileType(st view.Stat) FileType {
	switch {
	case st.IsDirectory():
		return TypeDirectory
	case st.IsSymbolicLink():
		return TypeSymbolicLink
	default:
		return TypeFile
	}
}

// Type implements the `type` expression, comparing against a single
// dtype letter.
func Type(letter byte) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		return boolPtr(byte(statFileType(c.File.Stat)) == letter)
	})
}

// CompareOp is an integer comparator (spec.md §4.8 "size ... comparator
// op ∈ {eq,ne,gt,ge,lt,le}").
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
)

func compare(op CompareOp, a, b int64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	default:
		return false
	}
}

// Size implements the `size` expression.
func Size(op CompareOp, value int64) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		return boolPtr(compare(op, int64(c.File.Stat.Size), value))
	})
}

// MatchScope selects whether a name-matching expression compares against
// the basename or the full relative wholename (spec.md §4.8 "name/iname
// ... basename or wholename scope").
type MatchScope int

const (
	ScopeBasename MatchScope = iota
	ScopeWholename
)

func candidateNameFor(scope MatchScope, c Candidate) string {
	if scope == ScopeWholename {
		return c.Name
	}
	return pathutil.Base(c.Name)
}

// Suffix implements the `suffix` expression over one or more lowered
// suffixes, aggregated with anyof semantics when more than one is given.
func Suffix(suffixes []string) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		name := candidateNameFor(ScopeBasename, c)
		lowered := strings.ToLower(name)
		for _, suf := range suffixes {
			if strings.HasSuffix(lowered, "."+suf) {
				return boolPtr(true)
			}
		}
		return boolPtr(false)
	})
}

// Name implements the `name`/`iname` expression over one or more literal
// names.
func Name(names []string, scope MatchScope, caseInsensitive bool) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		candidate := candidateNameFor(scope, c)
		if caseInsensitive {
			candidate = strings.ToLower(candidate)
		}
		for _, n := range names {
			target := n
			if caseInsensitive {
				target = strings.ToLower(target)
			}
			if candidate == target {
				return boolPtr(true)
			}
		}
		return boolPtr(false)
	})
}

// Match implements the `match`/`imatch` wildmatch expression.
func Match(pattern string, scope MatchScope, caseInsensitive bool) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		candidate := candidateNameFor(scope, c)
		return boolPtr(globMatch(pattern, candidate, caseInsensitive))
	})
}

// AllOf implements the `allof` expression: true iff every child is true;
// suspends (returns nil) if any undetermined child is present and no
// child is definitively false.
func AllOf(children ...Expr) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		suspended := false
		for _, child := range children {
			v := child.Evaluate(ctx, c)
			if v == nil {
				suspended = true
				continue
			}
			if !*v {
				return boolPtr(false)
			}
		}
		if suspended {
			return nil
		}
		return boolPtr(true)
	})
}

// And is a two-child convenience wrapper around AllOf, used to implement
// the fresh-instance "wrap in allof(exists, expr)" rule (spec.md §4.8
// "process_file").
func And(a, b Expr) Expr { return AllOf(a, b) }

// AnyOf implements the `anyof` expression.
func AnyOf(children ...Expr) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		suspended := false
		for _, child := range children {
			v := child.Evaluate(ctx, c)
			if v == nil {
				suspended = true
				continue
			}
			if *v {
				return boolPtr(true)
			}
		}
		if suspended {
			return nil
		}
		return boolPtr(false)
	})
}

// Not implements the `not` expression.
func Not(child Expr) Expr {
	return ExprFunc(func(ctx *Context, c Candidate) *bool {
		v := child.Evaluate(ctx, c)
		if v == nil {
			return nil
		}
		return boolPtr(!*v)
	})
}

// True and False implement the `true`/`false` literal expressions.
func True() Expr  { return ExprFunc(func(*Context, Candidate) *bool { return boolPtr(true) }) }
func False() Expr { return ExprFunc(func(*Context, Candidate) *bool { return boolPtr(false) }) }

// ParserFunc builds an Expr from a parsed term's raw argument list, for
// use with RegisterExpressionParser.
type ParserFunc func(args []interface{}) (Expr, error)

var registeredParsers = map[string]ParserFunc{}

// RegisterExpressionParser adds a new expression term (spec.md §4.8
// "Registration is open-ended"). It is not safe to call concurrently
// with query execution.
func RegisterExpressionParser(name string, parser ParserFunc) {
	registeredParsers[name] = parser
}

// LookupExpressionParser returns a previously registered parser, if any.
func LookupExpressionParser(name string) (ParserFunc, bool) {
	p, ok := registeredParsers[name]
	return p, ok
}
