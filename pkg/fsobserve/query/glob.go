package query

import "github.com/bmatcuk/doublestar/v4"

// globMatch reports whether name matches pattern, optionally folding
// case first (spec.md §4.8 glob_tree "casefold" flag). A malformed
// pattern never matches rather than panicking or erroring the whole
// query, matching the "surfacing the error... never aborts the query"
// posture spec.md §4.8/§7 take toward per-file failures.
func globMatch(pattern, name string, caseFold bool) bool {
	if caseFold {
		pattern = lower(pattern)
		name = lower(name)
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}
