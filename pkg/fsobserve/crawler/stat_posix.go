//go:build !windows

package crawler

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/fsobserve/fsobserve/pkg/filesystem"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/view"
)

// lstat performs a raw, non-follow stat of path, grounded on
// pkg/filesystem/directory_metadata_posix.go's readContentMetadata.
func lstat(path string) (view.Stat, error) {
	var raw unix.Stat_t
	if err := unix.Lstat(path, &raw); err != nil {
		return view.Stat{}, err
	}
	return view.Stat{
		Mode:    filesystem.Mode(raw.Mode),
		Size:    uint64(raw.Size),
		ModTime: time.Unix(raw.Mtim.Unix()),
		Dev:     uint64(raw.Dev),
		Ino:     uint64(raw.Ino),
		Nlink:   uint32(raw.Nlink),
	}, nil
}

func inodeOfPath(st view.Stat) uint64 { return st.Ino }
