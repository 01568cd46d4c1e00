package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/model"
	"github.com/stonix-project/stonix/pkg/pathutil"
)

// Mutation is one reversible change. Payload is recorded once Apply
// returns nil.
type Mutation struct {
	Payload model.Payload
	// Snapshot captures Payload.Target() before Apply runs.
	Snapshot bool
	Apply    func() error
}

// Mutate applies m under a fresh key of rule and returns that key. When
// Apply fails nothing is recorded and any snapshot is discarded.
func (r *Recorder) Mutate(rule int, m Mutation) (model.EventKey, error) {
	if m.Payload == nil || m.Apply == nil {
		return model.EventKey{}, errclass.ErrEventInvalid.WithMessage("mutation needs a payload and an apply function")
	}
	key := r.reserve(rule)
	defer r.release(key)

	if err := m.Payload.Validate(); err != nil {
		return key, errclass.ErrEventInvalid.WithMessage(err.Error())
	}
	target := m.Payload.Target()

	if m.Snapshot {
		if _, err := r.files.Capture(key, target, model.StateBefore); err != nil {
			return key, fmt.Errorf("snapshot %s for %s: %w", target, key, err)
		}
	}

	if err := m.Apply(); err != nil {
		if m.Snapshot {
			r.discard(key)
		}
		r.log.Warn("mutation failed, nothing recorded", map[string]any{
			"key": key.String(), "eventtype": string(m.Payload.Type()), "target": target, "error": err.Error(),
		})
		return key, err
	}

	if m.Snapshot && m.Payload.Type() == model.EventConf {
		r.captureAfter(key, target)
	}

	if err := r.RecordEvent(key, m.Payload); err != nil {
		r.log.ErrorErr("mutation applied but event not recorded", err, map[string]any{"key": key.String(), "target": target})
		return key, err
	}
	return key, nil
}

func (r *Recorder) discard(key model.EventKey) {
	if err := r.files.Remove(key); err != nil {
		r.log.Warn("could not discard snapshot", map[string]any{"key": key.String(), "error": err.Error()})
	}
}

// captureAfter keeps the post-change copy and a reverting patch for
// administrators. Failures only cost the diff, so they are logged.
func (r *Recorder) captureAfter(key model.EventKey, target string) {
	if _, err := r.files.Capture(key, target, model.StateAfter); err != nil {
		r.log.Warn("could not capture post-change state", map[string]any{"key": key.String(), "error": err.Error()})
		return
	}
	if _, err := r.files.WriteDiff(key, target); err != nil {
		r.log.Warn("could not write diff", map[string]any{"key": key.String(), "error": err.Error()})
	}
}

// resolve follows a symbolic link at clean to the file it names, so
// writes land on the real file and the link survives. Missing paths are
// returned unchanged; dangling links are rejected.
func resolve(clean string) (string, error) {
	link, err := fsutil.IsSymlink(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return clean, nil
		}
		return "", err
	}
	if !link {
		return clean, nil
	}
	dest, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", errclass.ErrPathInvalid.WithMessagef("resolve link %s: %v", clean, err)
	}
	return pathutil.CleanTarget(dest)
}

// cleanResolved validates path and resolves a trailing symbolic link.
func cleanResolved(path string) (string, error) {
	clean, err := pathutil.CleanTarget(path)
	if err != nil {
		return "", err
	}
	return resolve(clean)
}

// ChangeFile replaces path's content. An existing file is snapshotted and
// recorded as a conf event keeping its mode and owner; a missing file is
// created with mode and recorded as a creation event.
func (r *Recorder) ChangeFile(rule int, path string, content []byte, mode os.FileMode) (model.EventKey, error) {
	clean, err := cleanResolved(path)
	if err != nil {
		return model.EventKey{}, err
	}
	info, err := fsutil.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return r.CreateFile(rule, clean, content, mode)
		}
		return model.EventKey{}, err
	}
	if info.IsDir {
		return model.EventKey{}, errclass.ErrPathInvalid.WithMessagef("%s is a directory", clean)
	}
	return r.Mutate(rule, Mutation{
		Payload:  model.ConfChange{Path: clean},
		Snapshot: true,
		Apply: func() error {
			if err := fsutil.AtomicWrite(clean, content, info.Mode); err != nil {
				return err
			}
			return fsutil.ApplyOwnership(clean, info.UID, info.GID, info.Mode)
		},
	})
}

// CreateFile writes a new file. If path already exists the write is
// recorded as a content change instead.
func (r *Recorder) CreateFile(rule int, path string, content []byte, mode os.FileMode) (model.EventKey, error) {
	clean, err := cleanResolved(path)
	if err != nil {
		return model.EventKey{}, err
	}
	exists, err := fsutil.Exists(clean)
	if err != nil {
		return model.EventKey{}, err
	}
	if exists {
		return r.ChangeFile(rule, clean, content, mode)
	}
	return r.Mutate(rule, Mutation{
		Payload: model.Creation{Path: clean},
		Apply: func() error {
			return fsutil.AtomicWrite(clean, content, mode)
		},
	})
}

// CreateDir creates a directory and records a creation event. An existing
// directory is left alone and nothing is recorded.
func (r *Recorder) CreateDir(rule int, path string, mode os.FileMode) (model.EventKey, bool, error) {
	clean, err := pathutil.CleanTarget(path)
	if err != nil {
		return model.EventKey{}, false, err
	}
	if exists, err := fsutil.Exists(clean); err != nil || exists {
		return model.EventKey{}, false, err
	}
	key, err := r.Mutate(rule, Mutation{
		Payload: model.Creation{Path: clean},
		Apply:   func() error { return os.Mkdir(clean, mode) },
	})
	return key, err == nil, err
}

// ChangePermissions sets owner, group and mode on path and records the
// prior triple. It records nothing and returns changed=false when path
// already matches.
func (r *Recorder) ChangePermissions(rule int, path string, want model.Ownership) (model.EventKey, bool, error) {
	clean, err := cleanResolved(path)
	if err != nil {
		return model.EventKey{}, false, err
	}
	info, err := fsutil.Stat(clean)
	if err != nil {
		return model.EventKey{}, false, err
	}
	start := model.Ownership{UID: info.UID, GID: info.GID, Mode: info.Mode}
	if start == want {
		return model.EventKey{}, false, nil
	}
	key, err := r.Mutate(rule, Mutation{
		Payload: model.PermChange{Path: clean, Start: start, End: want},
		Apply: func() error {
			return fsutil.ApplyOwnership(clean, want.UID, want.GID, want.Mode)
		},
	})
	return key, err == nil, err
}

// RemoveFile snapshots and deletes path, recording a deletion event.
// Symbolic links are refused: the snapshot tree holds file content only.
func (r *Recorder) RemoveFile(rule int, path string) (model.EventKey, error) {
	clean, err := pathutil.CleanTarget(path)
	if err != nil {
		return model.EventKey{}, err
	}
	if link, err := fsutil.IsSymlink(clean); err == nil && link {
		return model.EventKey{}, errclass.ErrPathInvalid.WithMessagef("%s is a symbolic link", clean)
	}
	return r.Mutate(rule, Mutation{
		Payload:  model.Deletion{Path: clean},
		Snapshot: true,
		Apply:    func() error { return os.Remove(clean) },
	})
}

// RunCommand runs fix and records undo as its inverse. kind is
// model.EventCommandString or model.EventComm.
func (r *Recorder) RunCommand(ctx context.Context, rule int, kind model.EventType, fix, undo string) (model.EventKey, error) {
	if r.runner == nil {
		return model.EventKey{}, errclass.ErrCommandFailed.WithMessage("recorder has no command runner")
	}
	return r.Mutate(rule, Mutation{
		Payload: model.CommandChange{Kind: kind, Command: undo, Applied: fix},
		Apply: func() error {
			_, err := command.Exec(ctx, r.runner, fix, nil)
			return err
		},
	})
}

// RecordPackage records a package state change performed by apply.
func (r *Recorder) RecordPackage(rule int, pkg string, start, end model.PackageState, apply func() error) (model.EventKey, error) {
	return r.Mutate(rule, Mutation{
		Payload: model.PackageChange{Package: pkg, Start: start, End: end},
		Apply:   apply,
	})
}

// RecordService records a service state change performed by apply.
func (r *Recorder) RecordService(rule int, svc, target string, start, end model.ServiceState, apply func() error) (model.EventKey, error) {
	return r.Mutate(rule, Mutation{
		Payload: model.ServiceChange{Service: svc, Unit: target, Start: start, End: end},
		Apply:   apply,
	})
}

// RecordAppleSec records an authorization right change performed by
// apply, keeping the right's prior definition.
func (r *Recorder) RecordAppleSec(rule int, right, prior string, apply func() error) (model.EventKey, error) {
	return r.Mutate(rule, Mutation{
		Payload: model.AppleSecChange{Right: right, Prior: prior},
		Apply:   apply,
	})
}
