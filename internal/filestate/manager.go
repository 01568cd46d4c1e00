// Package filestate keeps byte-for-byte copies of managed files taken
// before and after a recorded mutation.
//
// Layout under the snapshot prefix:
//
//	<prefix>/<version>/<stateBefore|stateAfter>/<rule>-<seq>/<original path>
//	<prefix>/<version>/<stateBefore|stateAfter>/<rule>-<seq>/<original path>.meta.json
//	<prefix>/<version>/diffs/<original path>.patch-<rule>-<seq>
//
// Each program version writes into its own directory so snapshots taken by
// an older release stay restorable after an upgrade.
package filestate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stonix-project/stonix/pkg/model"
	"github.com/stonix-project/stonix/pkg/pathutil"
)

const (
	metaSuffix = ".meta.json"
	diffsDir   = "diffs"
)

var states = []model.SnapshotState{model.StateBefore, model.StateAfter}

// Manager reads and writes the snapshot tree for one program version.
type Manager struct {
	prefix  string
	version string
	log     *logging.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// New returns a Manager rooted at prefix that captures into version.
func New(prefix, version string, log *logging.Logger, m *metrics.Registry) (*Manager, error) {
	if err := pathutil.ValidateName(version); err != nil {
		return nil, fmt.Errorf("snapshot version: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	if err := os.MkdirAll(prefix, 0700); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &Manager{
		prefix:  prefix,
		version: version,
		log:     log.Component("filestate"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Version returns the version directory new captures go to.
func (m *Manager) Version() string { return m.version }

// Prefix returns the snapshot root.
func (m *Manager) Prefix() string { return m.prefix }

func (m *Manager) keyRoot(version string, state model.SnapshotState, key model.EventKey) string {
	return filepath.Join(m.prefix, version, string(state), key.Dir())
}

func (m *Manager) dataPath(version string, state model.SnapshotState, key model.EventKey, target string) (string, error) {
	return pathutil.MirrorPath(m.keyRoot(version, state, key), target)
}

// Capture copies target into the snapshot tree under key and state. It
// fails with the underlying error (os.ErrNotExist) when target is missing.
func (m *Manager) Capture(key model.EventKey, target string, state model.SnapshotState) (*model.SnapshotMeta, error) {
	clean, err := pathutil.CleanTarget(target)
	if err != nil {
		return nil, err
	}
	dst, err := m.dataPath(m.version, state, key, clean)
	if err != nil {
		return nil, err
	}

	link, err := fsutil.IsSymlink(clean)
	if err != nil {
		return nil, err
	}
	if link {
		// Restoring a regular file over the link would replace it.
		return nil, errclass.ErrPathInvalid.WithMessagef("%s is a symbolic link", clean)
	}
	info, err := fsutil.Stat(clean)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	// A symlinked directory inside the tree must not redirect the copy.
	if err := pathutil.ValidatePathSafety(m.prefix, dst); err != nil {
		return nil, err
	}
	sum, err := fsutil.CopyFile(clean, dst)
	if err != nil {
		return nil, err
	}

	meta := &model.SnapshotMeta{
		Key:        key,
		State:      state,
		Path:       clean,
		Version:    m.version,
		Mode:       info.Mode,
		UID:        info.UID,
		GID:        info.GID,
		Size:       info.Size,
		ModTime:    info.ModTime,
		SHA256:     model.HashValue(sum),
		CapturedAt: m.now(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot meta: %w", err)
	}
	if err := fsutil.AtomicWrite(dst+metaSuffix, data, 0600); err != nil {
		return nil, fmt.Errorf("write snapshot meta: %w", err)
	}

	m.metrics.RecordSnapshot("capture")
	m.log.Debug("captured file state", map[string]any{
		"key": key.String(), "path": clean, "state": string(state), "sha256": sum,
	})
	return meta, nil
}

// locate finds the newest version holding a snapshot of target for key.
func (m *Manager) locate(key model.EventKey, target string, state model.SnapshotState) (string, *model.SnapshotMeta, error) {
	clean, err := pathutil.CleanTarget(target)
	if err != nil {
		return "", nil, err
	}
	versions, err := m.Versions()
	if err != nil {
		return "", nil, err
	}
	// Current version first, then the rest newest first.
	order := []string{m.version}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i] != m.version {
			order = append(order, versions[i])
		}
	}
	for _, v := range order {
		p, err := m.dataPath(v, state, key, clean)
		if err != nil {
			return "", nil, err
		}
		meta, err := readMeta(p + metaSuffix)
		if err == nil {
			return p, meta, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, err
		}
	}
	return "", nil, errclass.ErrSnapshotMissing.WithMessagef("no %s snapshot of %s for event %s", state, clean, key)
}

// Has reports whether a stateBefore snapshot of target exists for key.
func (m *Manager) Has(key model.EventKey, target string) bool {
	_, _, err := m.locate(key, target, model.StateBefore)
	return err == nil
}

// Load returns the metadata of a captured state.
func (m *Manager) Load(key model.EventKey, target string, state model.SnapshotState) (*model.SnapshotMeta, error) {
	_, meta, err := m.locate(key, target, state)
	return meta, err
}

// Verify checks that the stateBefore copy of target exists and matches
// its recorded checksum.
func (m *Manager) Verify(key model.EventKey, target string) error {
	_, _, err := m.verified(key, target)
	return err
}

func (m *Manager) verified(key model.EventKey, target string) (string, *model.SnapshotMeta, error) {
	src, meta, err := m.locate(key, target, model.StateBefore)
	if err != nil {
		return "", nil, err
	}
	sum, err := fsutil.HashFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, errclass.ErrSnapshotMissing.WithMessagef("snapshot data for %s (event %s) is gone", meta.Path, key)
		}
		return "", nil, err
	}
	if model.HashValue(sum) != meta.SHA256 {
		return "", nil, errclass.ErrSnapshotMissing.WithMessagef("snapshot data for %s (event %s) does not match its checksum", meta.Path, key)
	}
	return src, meta, nil
}

// Restore writes the stateBefore copy of target back in place with its
// captured mode and ownership.
func (m *Manager) Restore(key model.EventKey, target string) error {
	src, meta, err := m.verified(key, target)
	if err != nil {
		return err
	}

	if _, err := fsutil.CopyFile(src, meta.Path); err != nil {
		return fmt.Errorf("restore %s: %w", meta.Path, err)
	}
	if err := fsutil.ApplyOwnership(meta.Path, meta.UID, meta.GID, meta.Mode); err != nil {
		return fmt.Errorf("restore %s: %w", meta.Path, err)
	}
	if err := os.Chtimes(meta.Path, meta.ModTime, meta.ModTime); err != nil {
		return fmt.Errorf("restore %s: %w", meta.Path, err)
	}

	m.metrics.RecordSnapshot("restore")
	m.log.Info("restored file from snapshot", map[string]any{
		"key": key.String(), "path": meta.Path, "version": meta.Version,
	})
	return nil
}

// Remove deletes every captured state and diff for key across versions.
func (m *Manager) Remove(key model.EventKey) error {
	versions, err := m.Versions()
	if err != nil {
		return err
	}
	suffix := ".patch-" + key.Dir()
	for _, v := range versions {
		for _, st := range states {
			if err := os.RemoveAll(m.keyRoot(v, st, key)); err != nil {
				return fmt.Errorf("remove snapshot %s/%s/%s: %w", v, st, key.Dir(), err)
			}
		}
		diffs := filepath.Join(m.prefix, v, diffsDir)
		err := filepath.WalkDir(diffs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.IsDir() && strings.HasSuffix(p, suffix) {
				return os.Remove(p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("remove diffs for %s: %w", key.Dir(), err)
		}
	}
	m.metrics.RecordSnapshot("remove")
	return nil
}

// Versions lists version directories in ascending order. Names that are
// not semantic versions sort lexically ahead of those that are.
func (m *Manager) Versions() ([]string, error) {
	entries, err := os.ReadDir(m.prefix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	SortVersions(names)
	return names, nil
}

// SortVersions orders version names ascending by semantic version.
func SortVersions(names []string) {
	parsed := make(map[string]*semver.Version, len(names))
	for _, n := range names {
		if v, err := semver.NewVersion(n); err == nil {
			parsed[n] = v
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		vi, vj := parsed[names[i]], parsed[names[j]]
		switch {
		case vi == nil && vj == nil:
			return names[i] < names[j]
		case vi == nil:
			return true
		case vj == nil:
			return false
		default:
			return vi.LessThan(vj)
		}
	})
}

// KnownState identifies a captured copy matching a file's current content.
type KnownState struct {
	Version string
	Key     model.EventKey
	Meta    *model.SnapshotMeta
}

// FindKnownState searches versions newest first for a state copy that is
// byte-identical to target. It returns nil when none matches.
func (m *Manager) FindKnownState(target string, state model.SnapshotState) (*KnownState, error) {
	clean, err := pathutil.CleanTarget(target)
	if err != nil {
		return nil, err
	}
	sum, err := fsutil.HashFile(clean)
	if err != nil {
		return nil, err
	}
	versions, err := m.Versions()
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		keys, err := m.keysIn(v, state)
		if err != nil {
			return nil, err
		}
		for j := len(keys) - 1; j >= 0; j-- {
			p, err := m.dataPath(v, state, keys[j], clean)
			if err != nil {
				return nil, err
			}
			meta, err := readMeta(p + metaSuffix)
			if err != nil {
				continue
			}
			if string(meta.SHA256) == sum {
				return &KnownState{Version: v, Key: keys[j], Meta: meta}, nil
			}
		}
	}
	return nil, nil
}

// WriteDiff writes a unified diff that turns the stateAfter copy of target
// back into its stateBefore copy. It returns the patch path.
func (m *Manager) WriteDiff(key model.EventKey, target string) (string, error) {
	beforePath, before, err := m.locate(key, target, model.StateBefore)
	if err != nil {
		return "", err
	}
	afterPath, _, err := m.locate(key, target, model.StateAfter)
	if err != nil {
		return "", err
	}
	a, err := os.ReadFile(afterPath)
	if err != nil {
		return "", fmt.Errorf("read stateAfter: %w", err)
	}
	b, err := os.ReadFile(beforePath)
	if err != nil {
		return "", fmt.Errorf("read stateBefore: %w", err)
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: before.Path + " (" + string(model.StateAfter) + ")",
		ToFile:   before.Path + " (" + string(model.StateBefore) + ")",
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("compute diff: %w", err)
	}

	patch, err := pathutil.MirrorPath(filepath.Join(m.prefix, m.version, diffsDir), before.Path)
	if err != nil {
		return "", err
	}
	patch += ".patch-" + key.Dir()
	if err := os.MkdirAll(filepath.Dir(patch), 0700); err != nil {
		return "", fmt.Errorf("create diff dir: %w", err)
	}
	if err := fsutil.AtomicWrite(patch, []byte(text), 0600); err != nil {
		return "", fmt.Errorf("write diff: %w", err)
	}
	return patch, nil
}

// Keys returns every event key with at least one captured state.
func (m *Manager) Keys() ([]model.EventKey, error) {
	versions, err := m.Versions()
	if err != nil {
		return nil, err
	}
	seen := make(map[model.EventKey]struct{})
	for _, v := range versions {
		for _, st := range states {
			keys, err := m.keysIn(v, st)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				seen[k] = struct{}{}
			}
		}
	}
	out := make([]model.EventKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// KeysInVersion returns the keys captured under one version directory.
func (m *Manager) KeysInVersion(version string) ([]model.EventKey, error) {
	seen := make(map[model.EventKey]struct{})
	for _, st := range states {
		keys, err := m.keysIn(version, st)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]model.EventKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// RemoveVersion deletes a whole version directory.
func (m *Manager) RemoveVersion(version string) error {
	if err := pathutil.ValidateName(version); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.prefix, version)); err != nil {
		return fmt.Errorf("remove version %s: %w", version, err)
	}
	return nil
}

// List returns the metadata of every captured state, ordered by key.
func (m *Manager) List() ([]model.SnapshotMeta, error) {
	versions, err := m.Versions()
	if err != nil {
		return nil, err
	}
	var out []model.SnapshotMeta
	for _, v := range versions {
		for _, st := range states {
			root := filepath.Join(m.prefix, v, string(st))
			err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return nil
					}
					return err
				}
				if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
					return nil
				}
				meta, err := readMeta(p)
				if err != nil {
					m.log.Warn("unreadable snapshot metadata", map[string]any{"path": p, "error": err.Error()})
					return nil
				}
				out = append(out, *meta)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", root, err)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key.Less(out[j].Key)
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

func (m *Manager) keysIn(version string, state model.SnapshotState) ([]model.EventKey, error) {
	entries, err := os.ReadDir(filepath.Join(m.prefix, version, string(state)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s/%s: %w", version, state, err)
	}
	var keys []model.EventKey
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		k, err := model.ParseEventKey(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

func readMeta(path string) (*model.SnapshotMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta model.SnapshotMeta
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parse snapshot meta %s: %w", path, err)
	}
	return &meta, nil
}
