package pathutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName_Valid(t *testing.T) {
	for _, name := range []string{"1.0.0", "0.9.12-rc1", "stateBefore", "v2_beta"} {
		assert.NoError(t, pathutil.ValidateName(name), name)
	}
}

func TestValidateName_Invalid(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a..b", "a/b", `a\b`, "tab\there", "sp ace"} {
		err := pathutil.ValidateName(name)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, errclass.ErrPathInvalid)
	}
}

func TestCleanTarget(t *testing.T) {
	got, err := pathutil.CleanTarget("/etc//ssh/./sshd_config")
	require.NoError(t, err)
	assert.Equal(t, "/etc/ssh/sshd_config", got)

	for _, bad := range []string{"", "etc/motd", "/", "/etc/\x00motd"} {
		_, err := pathutil.CleanTarget(bad)
		assert.ErrorIs(t, err, errclass.ErrPathInvalid, "%q", bad)
	}
}

func TestCleanTarget_KeepsDecomposedBytes(t *testing.T) {
	decomposed := "/etc/cafe\u0301.conf"
	got, err := pathutil.CleanTarget(decomposed)
	require.NoError(t, err)
	assert.Equal(t, decomposed, got)
	assert.NotEqual(t, "/etc/caf\u00e9.conf", got)
}

func TestValidateName_NonASCII(t *testing.T) {
	// Version names are ASCII; a decomposed accent never passes.
	assert.Error(t, pathutil.ValidateName("1.0-cafe\u0301"))
}

func TestMirrorPath(t *testing.T) {
	got, err := pathutil.MirrorPath("/snap/1.0/stateBefore", "/etc/ssh/sshd_config")
	require.NoError(t, err)
	assert.Equal(t, "/snap/1.0/stateBefore/etc/ssh/sshd_config", got)

	got, err = pathutil.MirrorPath("/snap", "/etc/../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/snap/etc/passwd", got)

	_, err = pathutil.MirrorPath("/snap", "relative")
	assert.Error(t, err)
}

func TestValidatePathSafety_UnderRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "sub", "file")
	assert.NoError(t, pathutil.ValidatePathSafety(root, target))
}

func TestValidatePathSafety_Escape(t *testing.T) {
	root := t.TempDir()
	err := pathutil.ValidatePathSafety(root, filepath.Join(root, "..", "outside"))
	assert.ErrorIs(t, err, errclass.ErrPathInvalid)
}

func TestValidatePathSafety_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	err := pathutil.ValidatePathSafety(root, filepath.Join(link, "file"))
	assert.ErrorIs(t, err, errclass.ErrPathInvalid)
}
