//go:build windows

package eventstore

import "os"

// lockFile is a no-op on Windows; the in-process mutex and the run lock
// keep a single writer per state directory.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
