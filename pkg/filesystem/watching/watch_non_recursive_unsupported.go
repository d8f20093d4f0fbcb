//go:build !linux

package watching

import "errors"

// NonRecursiveWatchingSupported indicates whether the current platform
// supports native non-recursive watching.
const NonRecursiveWatchingSupported = false

// NewNonRecursiveWatcher is not implemented on this platform; a root on a
// non-Linux host must use a crawl-only watch.Adapter instead.
func NewNonRecursiveWatcher(_ Filter) (NonRecursiveWatcher, error) {
	return nil, errors.New("non-recursive watching not supported on this platform")
}
