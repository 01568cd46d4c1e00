package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), "stonix")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "stonix")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func TestMainHelpFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "STONIX")
	assert.Contains(t, string(out), "undo")
}

func TestMainUnknownCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestMainEntryPoints(t *testing.T) {
	_ = main
}

func TestBinaryInitAndReport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	bin := buildBinary(t)
	state := filepath.Join(t.TempDir(), "state")

	out, err := exec.Command(bin, "--state", state, "init").CombinedOutput()
	require.NoError(t, err, "init failed: %s", string(out))
	assert.Contains(t, string(out), "Initialized")

	_, err = os.Stat(filepath.Join(state, "format_version"))
	assert.NoError(t, err)

	out, err = exec.Command(bin, "--state", state, "--json", "events", "list").CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Equal(t, "[]", strings.TrimSpace(string(out)))
}

func TestBinaryMissingState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--state", filepath.Join(t.TempDir(), "missing"), "report").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, string(out), "stonix init")
}
