package statedir_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stonix-project/stonix/internal/statedir"
	"github.com/stonix-project/stonix/pkg/config"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_CreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")

	sd, err := statedir.Init(root)
	require.NoError(t, err)
	assert.Equal(t, statedir.FormatVersion, sd.FormatVersion)
	assert.NotEmpty(t, sd.HostID)

	assert.DirExists(t, filepath.Join(root, "events"))
	assert.DirExists(t, filepath.Join(root, "snapshots"))
	assert.DirExists(t, filepath.Join(root, "locks"))
	assert.DirExists(t, filepath.Join(root, "gc"))

	content, err := os.ReadFile(filepath.Join(root, "format_version"))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(content))
}

func TestInit_Idempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")
	first, err := statedir.Init(root)
	require.NoError(t, err)
	second, err := statedir.Init(root)
	require.NoError(t, err)
	assert.Equal(t, first.HostID, second.HostID)
}

func TestOpen_NotInitialized(t *testing.T) {
	_, err := statedir.Open(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpen_FutureFormat(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "format_version"), []byte("99\n"), 0600))
	_, err := statedir.Open(root)
	assert.ErrorIs(t, err, errclass.ErrFormatUnsupported)
}

func TestPaths(t *testing.T) {
	sd := &statedir.StateDir{Root: "/var/db/stonix"}
	assert.Equal(t, "/var/db/stonix/events/eventlog.jsonl", sd.EventLogPath())
	assert.Equal(t, "/var/db/stonix/snapshots", sd.SnapshotRoot())
	assert.Equal(t, "/var/db/stonix/config.yaml", sd.ConfigPath())
}

func TestResolve(t *testing.T) {
	t.Setenv(statedir.EnvStateDir, "")
	assert.Equal(t, config.DefaultStateDir, statedir.Resolve(""))
	assert.Equal(t, "/tmp/x", statedir.Resolve("/tmp/x"))

	t.Setenv(statedir.EnvStateDir, "/opt/stonix")
	assert.Equal(t, "/opt/stonix", statedir.Resolve(""))
}

func TestNewRunID_Unique(t *testing.T) {
	assert.NotEqual(t, statedir.NewRunID(), statedir.NewRunID())
}
