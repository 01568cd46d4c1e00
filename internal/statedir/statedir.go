// Package statedir lays out and opens the STONIX state directory that
// holds the event log, file snapshots and run lock.
package statedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/stonix-project/stonix/pkg/config"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/fsutil"
)

const (
	FormatVersion     = 1
	FormatVersionFile = "format_version"
	HostIDFile        = "host_id"

	// EnvStateDir overrides the default state directory.
	EnvStateDir = "STONIX_STATE_DIR"
)

// StateDir is an initialized STONIX state directory.
type StateDir struct {
	Root          string
	FormatVersion int
	HostID        string
}

// Init creates the state directory layout at path. Initializing an
// existing state directory is a no-op that returns it.
func Init(path string) (*StateDir, error) {
	if path == "" {
		return nil, errclass.ErrPathInvalid.WithMessage("state directory must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state directory: %w", err)
	}

	if sd, err := Open(abs); err == nil {
		return sd, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	dirs := []string{
		abs,
		filepath.Join(abs, "events"),
		filepath.Join(abs, "snapshots"),
		filepath.Join(abs, "locks"),
		filepath.Join(abs, "gc"),
		filepath.Join(abs, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	hostID := uuid.NewString()
	if err := fsutil.AtomicWrite(filepath.Join(abs, HostIDFile), []byte(hostID+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write host_id: %w", err)
	}
	// format_version is written last; its presence marks a complete init.
	if err := fsutil.AtomicWrite(filepath.Join(abs, FormatVersionFile), []byte(fmt.Sprintf("%d\n", FormatVersion)), 0600); err != nil {
		return nil, fmt.Errorf("write format_version: %w", err)
	}
	if err := fsutil.FsyncDir(filepath.Dir(abs)); err != nil {
		return nil, fmt.Errorf("fsync state parent: %w", err)
	}

	return &StateDir{Root: abs, FormatVersion: FormatVersion, HostID: hostID}, nil
}

// Open opens an existing state directory. A directory that was never
// initialized yields an error wrapping os.ErrNotExist.
func Open(path string) (*StateDir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state directory: %w", err)
	}
	version, err := readFormatVersion(abs)
	if err != nil {
		return nil, err
	}
	if version > FormatVersion {
		return nil, errclass.ErrFormatUnsupported.WithMessagef(
			"format version %d > supported %d", version, FormatVersion)
	}
	hostID, _ := readHostID(abs)
	return &StateDir{Root: abs, FormatVersion: version, HostID: hostID}, nil
}

// Resolve picks the state directory: an explicit flag value wins, then
// $STONIX_STATE_DIR, then the compiled-in default.
func Resolve(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvStateDir); env != "" {
		return env
	}
	return config.DefaultStateDir
}

// NewRunID returns a fresh identifier for one controller run.
func NewRunID() string {
	return uuid.NewString()
}

func (s *StateDir) EventLogPath() string { return filepath.Join(s.Root, "events", "eventlog.jsonl") }
func (s *StateDir) SnapshotRoot() string { return filepath.Join(s.Root, "snapshots") }
func (s *StateDir) LocksDir() string     { return filepath.Join(s.Root, "locks") }
func (s *StateDir) GCDir() string        { return filepath.Join(s.Root, "gc") }
func (s *StateDir) LogPath() string      { return filepath.Join(s.Root, "logs", "stonix.log") }
func (s *StateDir) ConfigPath() string   { return filepath.Join(s.Root, config.FileName) }

func readFormatVersion(root string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, FormatVersionFile))
	if err != nil {
		return 0, fmt.Errorf("read format_version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(string(data), "%d", &version); err != nil {
		return 0, fmt.Errorf("parse format_version: %w", err)
	}
	return version, nil
}

func readHostID(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, HostIDFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
