package propcache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
)

// contentKey identifies a content-hash cache entry (spec.md §4.7: "the
// content-hash cache uses {relative_path, size, mtime} as its key so
// that any metadata change produces a miss").
type contentKey struct {
	RelativePath string
	Size         uint64
	ModTime      time.Time
}

func (k contentKey) String() string {
	return fmt.Sprintf("content:%s:%d:%d", k.RelativePath, k.Size, k.ModTime.UnixNano())
}

// symlinkKey identifies a symlink-target cache entry (spec.md §4.7: "the
// symlink cache uses {relative_path, otime}").
type symlinkKey struct {
	RelativePath string
	OTime        clock.Value
}

func (k symlinkKey) String() string {
	return fmt.Sprintf("symlink:%s:%d:%d", k.RelativePath, k.OTime.RootNumber, k.OTime.Tick)
}

// ContentHashCache caches sha1hex digests of regular file contents,
// backing the `content.sha1hex` field renderer (spec.md §4.8).
type ContentHashCache struct {
	cache *Cache
	root  string
}

// NewContentHashCache creates a content-hash cache rooted at root (the
// watched directory), bounded to maxItems entries with the given
// negative-result TTL.
func NewContentHashCache(root string, maxItems int, errorTTL time.Duration) *ContentHashCache {
	c := &ContentHashCache{root: root}
	c.cache = New(maxItems, errorTTL, c.load)
	return c
}

func (c *ContentHashCache) load(key interface{}) (interface{}, error) {
	k := key.(contentKey)
	f, err := os.Open(joinRoot(c.root, k.RelativePath))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sha1Hex returns the hex-encoded SHA-1 digest of the file at
// relativePath, whose current size and modification time are size and
// modTime. A changed size or modTime is a different cache key and thus
// always misses (spec.md §4.7).
func (c *ContentHashCache) Sha1Hex(relativePath string, size uint64, modTime time.Time) (string, error) {
	value, err := c.cache.Get(contentKey{RelativePath: relativePath, Size: size, ModTime: modTime})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Stats returns the cache's current counters.
func (c *ContentHashCache) Stats() Stats { return c.cache.StatsSnapshot() }

// Erase drops any cached digest for relativePath at the given size/mtime,
// e.g. when the crawler observes the file has changed again before a
// query consumed the stale entry.
func (c *ContentHashCache) Erase(relativePath string, size uint64, modTime time.Time) {
	c.cache.Erase(contentKey{RelativePath: relativePath, Size: size, ModTime: modTime})
}

func joinRoot(root, relativePath string) string {
	if relativePath == "" {
		return root
	}
	return root + string(os.PathSeparator) + relativePath
}

// SymlinkTargetCache caches symlink target strings, backing the
// `symlink_target` field renderer.
type SymlinkTargetCache struct {
	cache *Cache
	root  string
}

// NewSymlinkTargetCache creates a symlink-target cache rooted at root.
func NewSymlinkTargetCache(root string, maxItems int, errorTTL time.Duration) *SymlinkTargetCache {
	c := &SymlinkTargetCache{root: root}
	c.cache = New(maxItems, errorTTL, c.load)
	return c
}

func (c *SymlinkTargetCache) load(key interface{}) (interface{}, error) {
	k := key.(symlinkKey)
	return os.Readlink(joinRoot(c.root, k.RelativePath))
}

// Target returns the symlink target of relativePath, whose cache
// identity is pinned to otime (the view's observed-time for the node),
// so a later change to the link invalidates the cached target.
func (c *SymlinkTargetCache) Target(relativePath string, otime clock.Value) (string, error) {
	value, err := c.cache.Get(symlinkKey{RelativePath: relativePath, OTime: otime})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Stats returns the cache's current counters.
func (c *SymlinkTargetCache) Stats() Stats { return c.cache.StatsSnapshot() }
