// Package pathutil provides target path and name validation for STONIX.
package pathutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/stonix-project/stonix/pkg/errclass"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateName checks a version or state directory name.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrPathInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if name == "." || strings.Contains(name, "..") {
		return errclass.ErrPathInvalid.WithMessagef("name must not be '.' or contain '..': %s", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrPathInvalid.WithMessagef("name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrPathInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return errclass.ErrPathInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}

	return nil
}

// CleanTarget validates a managed file path and returns its clean form.
// Targets must be absolute and free of control characters. The bytes of
// each component are kept as given: host filenames are not normalized.
func CleanTarget(target string) (string, error) {
	if target == "" {
		return "", errclass.ErrPathInvalid.WithMessage("path must not be empty")
	}
	for _, r := range target {
		if unicode.IsControl(r) {
			return "", errclass.ErrPathInvalid.WithMessagef("path must not contain control characters: %q", target)
		}
	}
	if !filepath.IsAbs(target) {
		return "", errclass.ErrPathInvalid.WithMessagef("path must be absolute: %s", target)
	}
	clean := filepath.Clean(target)
	if clean == string(filepath.Separator) {
		return "", errclass.ErrPathInvalid.WithMessage("path must not be the filesystem root")
	}
	return clean, nil
}

// MirrorPath maps an absolute target into a tree rooted at root, e.g.
// ("/snap/1.0/stateBefore", "/etc/ssh/sshd_config") ->
// "/snap/1.0/stateBefore/etc/ssh/sshd_config".
func MirrorPath(root, target string) (string, error) {
	clean, err := CleanTarget(target)
	if err != nil {
		return "", err
	}
	mirrored := filepath.Join(root, strings.TrimPrefix(clean, string(filepath.Separator)))
	if !strings.HasPrefix(mirrored+string(filepath.Separator), filepath.Clean(root)+string(filepath.Separator)) {
		return "", errclass.ErrPathInvalid.WithMessagef("path escapes snapshot root: %s", target)
	}
	return mirrored, nil
}

// ValidatePathSafety verifies target path does not escape root once
// symlinks are resolved.
func ValidatePathSafety(root, targetPath string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errclass.ErrPathInvalid.WithMessagef("cannot resolve root: %v", err)
	}

	resolvedTarget, err := filepath.EvalSymlinks(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			resolvedTarget = resolveClosestAncestor(targetPath)
		} else {
			return errclass.ErrPathInvalid.WithMessagef("cannot resolve target: %v", err)
		}
	}

	if !strings.HasPrefix(resolvedTarget+"/", resolvedRoot+"/") &&
		resolvedTarget != resolvedRoot {
		return errclass.ErrPathInvalid.WithMessagef("path escapes root: %s", targetPath)
	}

	return nil
}

// resolveClosestAncestor walks up from path to find the closest existing
// ancestor, resolves it, then appends the remaining components.
func resolveClosestAncestor(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(path)
		}
	}
	return filepath.Join(resolved, base)
}
