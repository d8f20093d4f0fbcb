package root

import "github.com/fsobserve/fsobserve/pkg/fsobserve/pathutil"

// IgnoreRules implements the root's is_ignored(path) check (spec.md
// §4.9): an exact-match set of ignore directories, plus a per-directory
// list of VCS directory names whose presence anywhere in the tree makes
// that directory (and everything under it) ignored.
//
// The spec describes these as feeding "a combined radix tree"; since
// pathutil paths are already cheap to prefix-compare and the set of
// ignore entries is expected to be small (dozens, not thousands), a
// linear scan over both lists is used instead of building an actual
// trie — asymptotically worse, behaviorally identical.
type IgnoreRules struct {
	dirs    []string // exact root-relative directories, plus their subtrees
	vcsDirs []string // basenames (".git", ".hg", ...) ignored wherever found
}

// NewIgnoreRules constructs a rule set from explicit ignore directories
// and VCS directory basenames.
func NewIgnoreRules(dirs, vcsDirNames []string) *IgnoreRules {
	return &IgnoreRules{dirs: dirs, vcsDirs: vcsDirNames}
}

// IsIgnored reports whether path (root-relative, slash-separated) falls
// under any configured ignore directory or VCS directory name.
func (r *IgnoreRules) IsIgnored(path string) bool {
	if r == nil {
		return false
	}
	for _, dir := range r.dirs {
		if pathutil.IsWithin(dir, path) {
			return true
		}
	}
	if len(r.vcsDirs) == 0 {
		return false
	}
	for path != "" {
		base := pathutil.Base(path)
		for _, vcs := range r.vcsDirs {
			if base == vcs {
				return true
			}
		}
		if !containsSlash(path) {
			break
		}
		path = pathutil.Dir(path)
	}
	return false
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}
