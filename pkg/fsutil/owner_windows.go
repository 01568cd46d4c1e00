//go:build windows

package fsutil

import "os"

// fileOwner is a no-op on Windows; ownership is reported as 0:0.
func fileOwner(_ os.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}
