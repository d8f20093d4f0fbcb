// Package view implements the in-memory directory tree and recency list
// that the IO thread mutates and queries read from (spec.md §3.3-3.5, §4.3).
//
// The tree is a plain pointer graph rather than an arena of indices: parent
// pointers are non-owning back-references, children are owned by their
// directory's maps, and the single reader/writer lock below (not a lock per
// node) makes cycles and dangling pointers a non-issue in practice.
package view

import (
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/fsobserve/fsobserve/pkg/filesystem"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/clock"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/pathutil"
)

// normalizeName applies Unicode NFC normalization to a single path
// component, so that a decomposing filesystem (HFS+) reporting a basename
// in decomposed form resolves to the same tree node as a precomposed form
// received from a query or an earlier crawl.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// Stat is the subset of filesystem metadata the view caches per node,
// including the identity fields (ino/dev/nlink) that query field
// renderers need alongside size, mtime, and type.
type Stat struct {
	Mode    filesystem.Mode
	Size    uint64
	ModTime time.Time
	Dev     uint64
	Ino     uint64
	Nlink   uint32
}

// IsDirectory reports whether the cached mode identifies a directory.
func (s Stat) IsDirectory() bool {
	return filesystem.Mode(s.Mode)&filesystem.ModeTypeMask == filesystem.ModeTypeDirectory
}

// IsSymbolicLink reports whether the cached mode identifies a symbolic
// link.
func (s Stat) IsSymbolicLink() bool {
	return filesystem.Mode(s.Mode)&filesystem.ModeTypeMask == filesystem.ModeTypeSymbolicLink
}

// Changed reports whether two stat snapshots differ in any way that the
// crawler treats as a change (spec.md §4.5 stat_path): size, mtime, mode
// (which carries the type), dev, inode, or nlink.
func (s Stat) Changed(other Stat) bool {
	return s.Mode != other.Mode ||
		s.Size != other.Size ||
		!s.ModTime.Equal(other.ModTime) ||
		s.Dev != other.Dev ||
		s.Ino != other.Ino ||
		s.Nlink != other.Nlink
}

// FileNode represents one path entry ever observed by the core (spec.md
// §3.3). It is owned by exactly one DirNode's Files map.
type FileNode struct {
	Name   pathutil.Name
	Parent *DirNode

	Stat         Stat
	Exists       bool
	MaybeDeleted bool

	CTime clock.Value
	OTime clock.Value

	// recency list hooks; nil when not linked (never-existing nodes are
	// still linked once created, per the tree↔list coherence invariant).
	recPrev, recNext *FileNode
}

// WholeName reconstructs the path from the root to this file by walking
// parent pointers, joining with pathutil.Join.
func (f *FileNode) WholeName() string {
	return wholeName(f.Parent, f.Name.String())
}

func wholeName(dir *DirNode, suffix string) string {
	if dir == nil || dir.Parent == nil && dir.Name.String() == "" {
		return suffix
	}
	return wholeName(dir.Parent, pathutil.Join(dir.Name.String(), suffix))
}

// DirNode represents one directory entry (spec.md §3.4). The root
// directory's Parent is nil.
type DirNode struct {
	Name   pathutil.Name
	Parent *DirNode

	Files map[string]*FileNode
	Dirs  map[string]*DirNode

	LastCheckExisted bool

	// RootInode caches the root directory's inode for the "root replaced"
	// detection in crawler() (spec.md §4.5); only meaningful on the view's
	// root node.
	RootInode     uint64
	RootInodeSeen bool
}

func (d *DirNode) WholeName() string {
	if d.Parent == nil {
		return ""
	}
	return wholeName(d.Parent, d.Name.String())
}

// View is the per-root tree plus recency list, guarded by a single
// reader/writer lock (spec.md §5 "View database"). The IO thread holds the
// writer lock while mutating; queries hold the reader lock around generator
// walks and must not suspend while holding it.
type View struct {
	mu sync.RWMutex

	names *pathutil.Table
	root  *DirNode

	recHead, recTail *FileNode
}

// New creates an empty view rooted at a directory with no name (the root
// path itself is tracked by the owning root controller, not the view).
func New() *View {
	return &View{
		names: pathutil.NewTable(),
		root: &DirNode{
			Name:             pathutil.Intern(""),
			Files:            make(map[string]*FileNode),
			Dirs:             make(map[string]*DirNode),
			LastCheckExisted: true,
		},
	}
}

func (v *View) Lock()    { v.mu.Lock() }
func (v *View) Unlock()  { v.mu.Unlock() }
func (v *View) RLock()   { v.mu.RLock() }
func (v *View) RUnlock() { v.mu.RUnlock() }

// Root returns the view's root directory node. Callers must hold at least
// the read lock while traversing it.
func (v *View) Root() *DirNode { return v.root }

// ResolveDir walks from the root along path's components, optionally
// creating intermediate directory nodes (spec.md §4.3 resolve_dir). path
// uses forward slashes and is relative to the root; "" resolves to the
// root itself. Returns (nil, false) if a component is absent and
// create=false.
//
// Callers must hold the write lock if create is true, the read lock
// (at least) otherwise.
func (v *View) ResolveDir(path string, create bool) (*DirNode, bool) {
	dir := v.root
	if path == "" {
		return dir, true
	}
	for path != "" {
		var name string
		if idx := indexByte(path, '/'); idx >= 0 {
			name = path[:idx]
			path = path[idx+1:]
		} else {
			name = path
			path = ""
		}
		name = normalizeName(name)
		child, ok := dir.Dirs[name]
		if !ok {
			if !create {
				return nil, false
			}
			child = &DirNode{
				Name:             v.names.Intern(name),
				Parent:           dir,
				Files:            make(map[string]*FileNode),
				Dirs:             make(map[string]*DirNode),
				LastCheckExisted: true,
			}
			dir.Dirs[name] = child
		}
		dir = child
	}
	return dir, true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// GetOrCreateChildFile returns the existing child file node of dir named
// name, or creates one with ctime set (spec.md §4.3). The returned bool
// reports whether a new node was created; the caller (crawler) is
// responsible for notifying the watcher adapter via start_watch_file when
// it is.
//
// Callers must hold the write lock.
func (v *View) GetOrCreateChildFile(dir *DirNode, name string, ctime clock.Value) (*FileNode, bool) {
	name = normalizeName(name)
	if f, ok := dir.Files[name]; ok {
		return f, false
	}
	f := &FileNode{
		Name:   v.names.Intern(name),
		Parent: dir,
		CTime:  ctime,
	}
	dir.Files[name] = f
	v.insertAtHead(f)
	return f, true
}

// MarkFileChanged sets f's OTime and moves it to the head of the recency
// list (spec.md §4.3 mark_file_changed).
//
// Callers must hold the write lock.
func (v *View) MarkFileChanged(f *FileNode, otime clock.Value) {
	f.OTime = otime
	v.unlink(f)
	v.insertAtHead(f)
}

// MarkDirDeleted marks d as no-longer-existing and cascades existence loss
// to its children (spec.md §4.3 mark_dir_deleted). If recursive, child
// directories are visited too.
//
// Callers must hold the write lock.
func (v *View) MarkDirDeleted(d *DirNode, otime clock.Value, recursive bool) {
	d.LastCheckExisted = false
	for _, f := range d.Files {
		if f.Exists {
			f.Exists = false
			v.MarkFileChanged(f, otime)
		}
	}
	if recursive {
		for _, child := range d.Dirs {
			v.MarkDirDeleted(child, otime, true)
		}
	}
}

// LatestFile returns the head of the recency list (the most recently
// changed file node), or nil if the view is empty.
//
// Callers must hold at least the read lock.
func (v *View) LatestFile() *FileNode { return v.recHead }

// OldestFile returns the tail of the recency list, used by age-out to walk
// from the least-recently-changed end (spec.md §4.4).
func (v *View) OldestFile() *FileNode { return v.recTail }

// Next returns the next-older file in the recency list.
func (f *FileNode) Next() *FileNode { return f.recNext }

// RecencyLen reports how many file nodes are currently tracked by the
// recency list, for root.Status's diagnostics snapshot.
//
// Callers must hold at least the read lock.
func (v *View) RecencyLen() int {
	n := 0
	for f := v.recHead; f != nil; f = f.recNext {
		n++
	}
	return n
}

// Prev returns the next-newer file in the recency list.
func (f *FileNode) Prev() *FileNode { return f.recPrev }

func (v *View) insertAtHead(f *FileNode) {
	f.recPrev = nil
	f.recNext = v.recHead
	if v.recHead != nil {
		v.recHead.recPrev = f
	}
	v.recHead = f
	if v.recTail == nil {
		v.recTail = f
	}
}

func (v *View) unlink(f *FileNode) {
	if f.recPrev == nil && f.recNext == nil && v.recHead != f {
		// not currently linked
		return
	}
	if f.recPrev != nil {
		f.recPrev.recNext = f.recNext
	} else {
		v.recHead = f.recNext
	}
	if f.recNext != nil {
		f.recNext.recPrev = f.recPrev
	} else {
		v.recTail = f.recPrev
	}
	f.recPrev, f.recNext = nil, nil
}

// RemoveFile detaches f from both its parent directory's Files map and the
// recency list. Used by age-out (spec.md §4.4) once a deleted file's
// min_age has elapsed.
//
// Callers must hold the write lock.
func (v *View) RemoveFile(f *FileNode) {
	v.unlink(f)
	if f.Parent != nil {
		delete(f.Parent.Files, f.Name.String())
	}
}

// RemoveEmptyDeletedDir removes d from its parent's Dirs map if d has no
// remaining files or subdirectories and is not the root (spec.md §4.4
// "scanned to remove any empty deleted subdirs").
//
// Callers must hold the write lock.
func (v *View) RemoveEmptyDeletedDir(d *DirNode) bool {
	if d.Parent == nil || d.LastCheckExisted {
		return false
	}
	if len(d.Files) != 0 || len(d.Dirs) != 0 {
		return false
	}
	delete(d.Parent.Dirs, d.Name.String())
	return true
}
