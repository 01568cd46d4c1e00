package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileInfo is the subset of file metadata that snapshots preserve.
type FileInfo struct {
	Mode    os.FileMode
	UID     int
	GID     int
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Stat returns the preserved metadata for path (following symlinks).
func Stat(path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	uid, gid, _ := fileOwner(info)
	return &FileInfo{
		Mode:    info.Mode().Perm() | info.Mode()&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky),
		UID:     uid,
		GID:     gid,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// IsSymlink reports whether path itself is a symbolic link.
func IsSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}

// CopyFile copies src to dst byte for byte, creating parent directories,
// and returns the SHA-256 of the copied content. dst gets src's mode and
// modification time; ownership is applied by ApplyOwnership.
func CopyFile(src, dst string) (string, error) {
	info, err := Stat(src)
	if err != nil {
		return "", err
	}
	if info.IsDir {
		return "", fmt.Errorf("copy %s: is a directory", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open src %s: %w", src, err)
	}
	defer srcFile.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stonix-copy-*")
	if err != nil {
		return "", fmt.Errorf("create dst %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), srcFile); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := tmp.Chmod(info.Mode); err != nil {
		return "", fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", dst, err)
	}
	if err := RenameAndSync(tmpPath, dst); err != nil {
		return "", fmt.Errorf("install %s: %w", dst, err)
	}
	success = true

	if err := os.Chtimes(dst, info.ModTime, info.ModTime); err != nil {
		return "", fmt.Errorf("chtimes %s: %w", dst, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ApplyOwnership sets owner, group and mode on path. Chown is skipped when
// the current owner already matches, so unprivileged callers can restore
// files they own.
func ApplyOwnership(path string, uid, gid int, mode os.FileMode) error {
	cur, err := Stat(path)
	if err != nil {
		return err
	}
	if cur.UID != uid || cur.GID != gid {
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
