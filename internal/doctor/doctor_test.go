package doctor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stonix-project/stonix/internal/doctor"
	"github.com/stonix-project/stonix/internal/eventstore"
	"github.com/stonix-project/stonix/internal/filestate"
	"github.com/stonix-project/stonix/internal/lock"
	"github.com/stonix-project/stonix/internal/recorder"
	"github.com/stonix-project/stonix/internal/statedir"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	dir   string
	sd    *statedir.StateDir
	store *eventstore.Store
	files *filestate.Manager
	locks *lock.Manager
	rec   *recorder.Recorder
	doc   *doctor.Doctor
}

func setup(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	sd, err := statedir.Init(filepath.Join(dir, "state"))
	require.NoError(t, err)
	log := logging.Discard()
	store, err := eventstore.Open(sd.EventLogPath(), "run", log)
	require.NoError(t, err)
	files, err := filestate.New(sd.SnapshotRoot(), "1.0.0", log, nil)
	require.NoError(t, err)
	locks := lock.NewManager(sd.LocksDir(), model.DefaultLockPolicy(), log)
	return &env{
		dir:   dir,
		sd:    sd,
		store: store,
		files: files,
		locks: locks,
		rec:   recorder.New(store, files, nil, log, nil),
		doc:   doctor.NewDoctor(sd, store, files, locks),
	}
}

func (e *env) confEvent(t *testing.T) (model.EventKey, string) {
	t.Helper()
	target := filepath.Join(e.dir, "etc", "motd")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte("hello\n"), 0644))
	key, err := e.rec.ChangeFile(1, target, []byte("authorized use only\n"), 0644)
	require.NoError(t, err)
	return key, target
}

func categories(r *doctor.Result) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Category)
	}
	return out
}

func TestDoctor_Check_Healthy(t *testing.T) {
	e := setup(t)
	result, err := e.doc.Check(true)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Check_WithEvents(t *testing.T) {
	e := setup(t)
	e.confEvent(t)

	result, err := e.doc.Check(true)
	require.NoError(t, err)
	assert.True(t, result.Healthy, categories(result))
	assert.Equal(t, 1, result.Events)
	assert.Equal(t, 1, result.Records)
}

func TestDoctor_Check_MissingSnapshot(t *testing.T) {
	e := setup(t)
	key, _ := e.confEvent(t)
	require.NoError(t, os.RemoveAll(filepath.Join(e.sd.SnapshotRoot(), "1.0.0", "stateBefore", key.Dir())))

	result, err := e.doc.Check(false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, "snapshot", result.Findings[0].Category)
	assert.Equal(t, key.String(), result.Findings[0].Key)
}

func TestDoctor_Check_StrictDetectsTampering(t *testing.T) {
	e := setup(t)
	key, target := e.confEvent(t)
	stored := filepath.Join(e.sd.SnapshotRoot(), "1.0.0", "stateBefore", key.Dir(), target)
	require.NoError(t, os.WriteFile(stored, []byte("tampered\n"), 0644))

	result, err := e.doc.Check(false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	result, err = e.doc.Check(true)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "integrity")
}

func TestDoctor_Check_OrphanSnapshot(t *testing.T) {
	e := setup(t)
	target := filepath.Join(e.dir, "orphan.conf")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	_, err := e.files.Capture(model.EventKey{Rule: 9, Seq: 1}, target, model.StateBefore)
	require.NoError(t, err)

	result, err := e.doc.Check(false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, doctor.SeverityInfo, result.Findings[0].Severity)
	assert.Equal(t, "0009001", result.Findings[0].Key)
}

func TestDoctor_Check_CorruptLog(t *testing.T) {
	e := setup(t)
	e.confEvent(t)
	f, err := os.OpenFile(e.sd.EventLogPath(), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := e.doc.Check(false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "eventlog")
}

func TestDoctor_Check_ExpiredLock(t *testing.T) {
	e := setup(t)
	_, err := e.locks.Acquire("run-1", "fix")
	require.NoError(t, err)
	e.locks.SetClock(func() time.Time { return time.Now().Add(24 * time.Hour) })

	result, err := e.doc.Check(false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, []string{"lock"}, categories(result))
}

func TestDoctor_RepairOrphanTmp(t *testing.T) {
	e := setup(t)
	tmp := filepath.Join(e.sd.Root, "events", ".stonix-tmp-12345")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0600))

	result, err := e.doc.Check(false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, []string{"tmp"}, categories(result))

	removed := e.doc.Repair(result)
	assert.Equal(t, []string{tmp}, removed)
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}
