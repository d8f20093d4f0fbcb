//go:build windows

package crawler

import (
	"os"

	"github.com/fsobserve/fsobserve/pkg/filesystem"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
)

// lstat performs a stat of path using os.Lstat; Windows has no inode
// concept comparable to POSIX, so Ino is left at 0.
func lstat(path string) (view.Stat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return view.Stat{}, err
	}
	mode := filesystem.ModeTypeFile
	if info.IsDir() {
		mode = filesystem.ModeTypeDirectory
	} else if info.Mode()&os.ModeSymlink != 0 {
		mode = filesystem.ModeTypeSymbolicLink
	}
	return view.Stat{
		Mode:    mode,
		Size:    uint64(info.Size()),
		ModTime: info.ModTime(),
	}, nil
}

func inodeOfPath(st view.Stat) uint64 { return st.Ino }
