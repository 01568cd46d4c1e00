//go:build !windows

package fsutil

import (
	"os"
	"syscall"
)

// fileOwner extracts uid/gid from file info on Unix systems.
func fileOwner(info os.FileInfo) (uid, gid int, ok bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(stat.Uid), int(stat.Gid), true
}
