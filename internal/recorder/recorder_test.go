package recorder_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/internal/eventstore"
	"github.com/stonix-project/stonix/internal/filestate"
	"github.com/stonix-project/stonix/internal/recorder"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stonix-project/stonix/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir    string
	store  *eventstore.Store
	files  *filestate.Manager
	runner *command.FakeRunner
	rec    *recorder.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logging.Discard()
	store, err := eventstore.Open(filepath.Join(dir, "state", "events", "eventlog.jsonl"), "run", log)
	require.NoError(t, err)
	files, err := filestate.New(filepath.Join(dir, "state", "snapshots"), "1.0.0", log, nil)
	require.NoError(t, err)
	runner := command.NewFakeRunner()
	return &fixture{
		dir:    dir,
		store:  store,
		files:  files,
		runner: runner,
		rec:    recorder.New(store, files, runner, log, metrics.NewRegistry()),
	}
}

func (f *fixture) file(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(f.dir, "root", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	require.NoError(t, os.Chmod(p, mode))
	return p
}

func TestLegacyFlow_RecordAndRevert(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "sshd_config", "PermitRootLogin yes\n", 0644)
	key := model.EventKey{Rule: 42, Seq: 1}

	require.NoError(t, f.rec.RecordEvent(key, model.ConfChange{Path: path}))
	require.NoError(t, f.rec.RecordFileChange(key, path))
	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin no\n"), 0644))

	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	assert.Equal(t, model.EventConf, ev.Type())

	require.NoError(t, f.rec.RevertFileChanges(path, key))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PermitRootLogin yes\n", string(content))
}

func TestRecordEvent_Duplicate(t *testing.T) {
	f := newFixture(t)
	key := model.EventKey{Rule: 1, Seq: 1}
	require.NoError(t, f.rec.RecordEvent(key, model.CommandChange{Command: "true"}))
	err := f.rec.RecordEvent(key, model.CommandChange{Command: "true"})
	assert.ErrorIs(t, err, errclass.ErrDuplicateEvent)
}

func TestRecordFileChange_Unregistered(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "a", "x", 0644)
	err := f.rec.RecordFileChange(model.EventKey{Rule: 9, Seq: 1}, path)
	assert.ErrorIs(t, err, errclass.ErrEventNotFound)
}

func TestRecordFileChange_MissingFile(t *testing.T) {
	f := newFixture(t)
	key := model.EventKey{Rule: 9, Seq: 1}
	missing := filepath.Join(f.dir, "root", "nope")
	require.NoError(t, f.rec.RecordEvent(key, model.ConfChange{Path: missing}))
	err := f.rec.RecordFileChange(key, missing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDeleteEntry_RemovesSnapshots(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "a", "x", 0644)
	key := model.EventKey{Rule: 3, Seq: 1}
	require.NoError(t, f.rec.RecordEvent(key, model.ConfChange{Path: path}))
	require.NoError(t, f.rec.RecordFileChange(key, path))

	require.NoError(t, f.rec.DeleteEntry(key))
	_, err := f.rec.GetEvent(key)
	assert.ErrorIs(t, err, errclass.ErrEventNotFound)
	assert.False(t, f.files.Has(key, path))

	// Missing keys delete cleanly.
	require.NoError(t, f.rec.DeleteEntry(key))
}

func TestClearRule(t *testing.T) {
	f := newFixture(t)
	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, f.rec.RecordEvent(model.EventKey{Rule: 5, Seq: seq}, model.CommandChange{Command: "true"}))
	}
	require.NoError(t, f.rec.RecordEvent(model.EventKey{Rule: 6, Seq: 1}, model.CommandChange{Command: "true"}))

	n, err := f.rec.ClearRule(5)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.rec.FindRuleChanges(5))
	assert.Len(t, f.rec.FindRuleChanges(6), 1)

	// Keys are never reused after a clear.
	it := f.rec.NewIterator(5)
	assert.Equal(t, model.EventKey{Rule: 5, Seq: 4}, it.Next())
	assert.Equal(t, model.EventKey{Rule: 5, Seq: 5}, it.Next())
}

func TestRecordFileDelete(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "hosts.equiv", "+ +\n", 0644)
	key := model.EventKey{Rule: 11, Seq: 1}

	require.NoError(t, f.rec.RecordFileDelete(key, path))
	require.NoError(t, os.Remove(path))

	require.NoError(t, f.rec.RevertFileDelete(path, key))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "+ +\n", string(content))
}

func TestMutate_FailedApplyRecordsNothing(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "a", "x", 0644)

	key, err := f.rec.Mutate(20, recorder.Mutation{
		Payload:  model.ConfChange{Path: path},
		Snapshot: true,
		Apply:    func() error { return errors.New("disk full") },
	})
	require.EqualError(t, err, "disk full")
	assert.Empty(t, f.rec.FindRuleChanges(20))
	assert.False(t, f.files.Has(key, path))
}

func TestMutate_SnapshotFailsBeforeApply(t *testing.T) {
	f := newFixture(t)
	applied := false
	_, err := f.rec.Mutate(20, recorder.Mutation{
		Payload:  model.ConfChange{Path: filepath.Join(f.dir, "root", "missing")},
		Snapshot: true,
		Apply:    func() error { applied = true; return nil },
	})
	require.Error(t, err)
	assert.False(t, applied)
}

func TestMutate_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Mutate(1, recorder.Mutation{Payload: model.ConfChange{Path: "rel"}, Apply: func() error { return nil }})
	assert.ErrorIs(t, err, errclass.ErrEventInvalid)
	_, err = f.rec.Mutate(1, recorder.Mutation{Payload: model.ConfChange{Path: "/etc/x"}})
	assert.ErrorIs(t, err, errclass.ErrEventInvalid)
}

func TestMutate_KeysIncrease(t *testing.T) {
	f := newFixture(t)
	var keys []model.EventKey
	for i := 0; i < 3; i++ {
		k, err := f.rec.Mutate(8, recorder.Mutation{
			Payload: model.CommandChange{Command: "true"},
			Apply:   func() error { return nil },
		})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []model.EventKey{{Rule: 8, Seq: 1}, {Rule: 8, Seq: 2}, {Rule: 8, Seq: 3}}, keys)
	assert.Equal(t, keys, f.rec.FindRuleChanges(8))
}

func TestChangeFile_Existing(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "login.defs", "PASS_MAX_DAYS 99999\n", 0640)

	key, err := f.rec.ChangeFile(30, path, []byte("PASS_MAX_DAYS 180\n"), 0600)
	require.NoError(t, err)

	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	assert.Equal(t, model.EventConf, ev.Type())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm(), "existing mode is kept")

	meta, err := f.files.Load(key, path, model.StateAfter)
	require.NoError(t, err)
	assert.Equal(t, int64(18), meta.Size)

	require.NoError(t, f.rec.RevertFileChanges(path, key))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PASS_MAX_DAYS 99999\n", string(content))
}

func TestChangeFile_MissingBecomesCreation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "root"), 0755))
	path := filepath.Join(f.dir, "root", "issue.net")

	key, err := f.rec.ChangeFile(31, path, []byte("Authorized use only\n"), 0644)
	require.NoError(t, err)
	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	assert.Equal(t, model.Creation{Path: path}, ev.Payload)
	assert.FileExists(t, path)
}

func TestChangePermissions(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "example.conf", "x", 0644)
	uid, gid := os.Getuid(), os.Getgid()

	key, changed, err := f.rec.ChangePermissions(40, path, model.Ownership{UID: uid, GID: gid, Mode: 0600})
	require.NoError(t, err)
	require.True(t, changed)

	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	perm := ev.Payload.(model.PermChange)
	assert.Equal(t, os.FileMode(0644), perm.Start.Mode)
	assert.Equal(t, os.FileMode(0600), perm.End.Mode)

	_, changed, err = f.rec.ChangePermissions(40, path, model.Ownership{UID: uid, GID: gid, Mode: 0600})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, f.rec.FindRuleChanges(40), 1)
}

func TestRemoveFile(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "rhosts", "x\n", 0600)
	key, err := f.rec.RemoveFile(50, path)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
	assert.True(t, f.files.Has(key, path))
}

func TestCreateDir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "root"), 0755))
	path := filepath.Join(f.dir, "root", "cron.d")

	_, created, err := f.rec.CreateDir(51, path, 0700)
	require.NoError(t, err)
	assert.True(t, created)
	assert.DirExists(t, path)

	_, created, err = f.rec.CreateDir(51, path, 0700)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, f.rec.FindRuleChanges(51), 1)
}

func TestRunCommand(t *testing.T) {
	f := newFixture(t)
	key, err := f.rec.RunCommand(context.Background(), 60, model.EventCommandString, "service foo enable", "service foo disable")
	require.NoError(t, err)
	assert.Equal(t, []string{"service foo enable"}, f.runner.Commands())

	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	assert.Equal(t, model.EventCommandString, ev.Type())
	assert.Equal(t, "service foo disable", ev.Payload.(model.CommandChange).Command)
}

func TestRunCommand_FailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.runner.Results["sysctl -w bad=1"] = &command.Result{ExitCode: 255}
	_, err := f.rec.RunCommand(context.Background(), 61, model.EventComm, "sysctl -w bad=1", "sysctl -w bad=0")
	assert.ErrorIs(t, err, errclass.ErrCommandFailed)
	assert.Empty(t, f.rec.FindRuleChanges(61))
}

func TestRecordPackageServiceAppleSec(t *testing.T) {
	f := newFixture(t)
	noop := func() error { return nil }

	_, err := f.rec.RecordPackage(70, "telnet", model.PackageInstalled, model.PackageRemoved, noop)
	require.NoError(t, err)
	_, err = f.rec.RecordService(70, "avahi-daemon", "", model.ServiceEnabled, model.ServiceDisabled, noop)
	require.NoError(t, err)
	_, err = f.rec.RecordAppleSec(70, "system.preferences", "<plist/>", noop)
	require.NoError(t, err)

	keys := f.rec.FindRuleChanges(70)
	require.Len(t, keys, 3)
	var types []model.EventType
	for _, k := range keys {
		ev, err := f.rec.GetEvent(k)
		require.NoError(t, err)
		types = append(types, ev.Type())
	}
	assert.Equal(t, []model.EventType{model.EventPkgHelper, model.EventServiceHelper, model.EventAppleSec}, types)
}

func TestChangeFile_DecomposedName(t *testing.T) {
	f := newFixture(t)
	// "café.conf" spelled with a combining accent.
	path := f.file(t, "cafe\u0301.conf", "old\n", 0644)

	key, err := f.rec.ChangeFile(32, path, []byte("new\n"), 0644)
	require.NoError(t, err)
	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	assert.Equal(t, model.ConfChange{Path: path}, ev.Payload)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(content))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no composed sibling is created")
}

func TestChangeFile_Symlink(t *testing.T) {
	f := newFixture(t)
	target := f.file(t, "real.conf", "old\n", 0644)
	link := filepath.Join(f.dir, "root", "link.conf")
	require.NoError(t, os.Symlink(target, link))
	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	key, err := f.rec.ChangeFile(33, link, []byte("new\n"), 0644)
	require.NoError(t, err)
	ev, err := f.rec.GetEvent(key)
	require.NoError(t, err)
	assert.Equal(t, model.ConfChange{Path: resolved}, ev.Payload)

	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "link survives the write")
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(content))
}

func TestChangeFile_DanglingSymlink(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "root"), 0755))
	link := filepath.Join(f.dir, "root", "dangling.conf")
	require.NoError(t, os.Symlink(filepath.Join(f.dir, "root", "nowhere"), link))

	_, err := f.rec.ChangeFile(34, link, []byte("x\n"), 0644)
	assert.ErrorIs(t, err, errclass.ErrPathInvalid)
	assert.Empty(t, f.rec.FindRuleChanges(34))
}

func TestRemoveFile_SymlinkRefused(t *testing.T) {
	f := newFixture(t)
	target := f.file(t, "hosts.equiv", "x\n", 0644)
	link := filepath.Join(f.dir, "root", "hosts.link")
	require.NoError(t, os.Symlink(target, link))

	_, err := f.rec.RemoveFile(51, link)
	assert.ErrorIs(t, err, errclass.ErrPathInvalid)
	_, err = os.Lstat(link)
	assert.NoError(t, err)
	assert.Empty(t, f.rec.FindRuleChanges(51))
}
