package eventstore_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stonix-project/stonix/internal/eventstore"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *eventstore.Store {
	t.Helper()
	s, err := eventstore.Open(path, "run-1", logging.Discard())
	require.NoError(t, err)
	return s
}

func confEvent(rule, seq int, path string) model.ChangeEvent {
	return model.ChangeEvent{
		Key:     model.EventKey{Rule: rule, Seq: seq},
		Payload: model.ConfChange{Path: path},
	}
}

func readLog(t *testing.T, path string) []model.LogRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var recs []model.LogRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r model.LogRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	return recs
}

func TestStore_PutGet(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "events", "eventlog.jsonl"))

	ev := confEvent(42, 1, "/etc/ssh/sshd_config")
	require.NoError(t, s.Put(ev))

	got, err := s.Get(ev.Key)
	require.NoError(t, err)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.False(t, got.RecordedAt.IsZero())
	assert.True(t, s.Has(ev.Key))
}

func TestStore_GetMissing(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "eventlog.jsonl"))
	_, err := s.Get(model.EventKey{Rule: 1, Seq: 1})
	assert.ErrorIs(t, err, errclass.ErrEventNotFound)
}

func TestStore_DuplicateKey(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "eventlog.jsonl"))
	require.NoError(t, s.Put(confEvent(5, 1, "/etc/a")))
	err := s.Put(confEvent(5, 1, "/etc/b"))
	assert.ErrorIs(t, err, errclass.ErrDuplicateEvent)

	got, err := s.Get(model.EventKey{Rule: 5, Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, "/etc/a", got.Payload.Target())
}

func TestStore_SequenceNotReusedAfterDelete(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "eventlog.jsonl"))
	require.NoError(t, s.Put(confEvent(5, 1, "/etc/a")))
	require.NoError(t, s.Put(confEvent(5, 2, "/etc/b")))
	_, err := s.Delete(model.EventKey{Rule: 5, Seq: 2})
	require.NoError(t, err)

	err = s.Put(confEvent(5, 2, "/etc/c"))
	assert.ErrorIs(t, err, errclass.ErrSequenceReused)
	assert.Equal(t, 3, s.NextSequence(5))
	assert.Equal(t, 1, s.NextSequence(6))
}

func TestStore_InvalidEvent(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "eventlog.jsonl"))
	err := s.Put(confEvent(5, 1, "relative"))
	assert.ErrorIs(t, err, errclass.ErrEventInvalid)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)
	key := model.EventKey{Rule: 3, Seq: 1}
	require.NoError(t, s.Put(confEvent(3, 1, "/etc/a")))

	removed, err := s.Delete(key)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(key)
	require.NoError(t, err)
	assert.False(t, removed)

	// Only one tombstone was written.
	assert.Len(t, readLog(t, path), 2)
}

func TestStore_FindRuleOrdered(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "eventlog.jsonl"))
	require.NoError(t, s.Put(confEvent(7, 1, "/etc/a")))
	require.NoError(t, s.Put(confEvent(8, 1, "/etc/x")))
	require.NoError(t, s.Put(confEvent(7, 2, "/etc/b")))
	require.NoError(t, s.Put(confEvent(7, 3, "/etc/c")))
	require.NoError(t, s.Put(confEvent(70, 1, "/etc/z")))

	keys := s.FindRule(7)
	require.Len(t, keys, 3)
	for i, k := range keys {
		assert.Equal(t, 7, k.Rule)
		assert.Equal(t, i+1, k.Seq)
	}
	assert.Empty(t, s.FindRule(9))
	assert.Equal(t, []int{7, 8, 70}, s.Rules())
	assert.Len(t, s.Keys(), 5)

	// Sequences must arrive in increasing order per rule.
	require.NoError(t, s.Put(confEvent(8, 5, "/etc/y")))
	err := s.Put(confEvent(8, 4, "/etc/w"))
	assert.ErrorIs(t, err, errclass.ErrSequenceReused)
	assert.False(t, s.Has(model.EventKey{Rule: 8, Seq: 4}))
}

func TestStore_ReplayOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)
	require.NoError(t, s.Put(confEvent(1, 1, "/etc/a")))
	require.NoError(t, s.Put(model.ChangeEvent{
		Key: model.EventKey{Rule: 1, Seq: 2},
		Payload: model.PermChange{
			Path:  "/etc/a",
			Start: model.Ownership{Mode: 0o644},
			End:   model.Ownership{Mode: 0o600},
		},
	}))
	_, err := s.Delete(model.EventKey{Rule: 1, Seq: 1})
	require.NoError(t, err)

	reopened := openStore(t, path)
	assert.False(t, reopened.Has(model.EventKey{Rule: 1, Seq: 1}))
	got, err := reopened.Get(model.EventKey{Rule: 1, Seq: 2})
	require.NoError(t, err)
	perm, ok := got.Payload.(model.PermChange)
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o644), perm.Start.Mode)
	assert.Equal(t, 3, reopened.NextSequence(1))
	assert.Equal(t, 3, reopened.Stats().Records)
	assert.Equal(t, 1, reopened.Stats().Live)
}

func TestStore_HashChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)
	require.NoError(t, s.Put(confEvent(1, 1, "/etc/a")))
	require.NoError(t, s.Put(confEvent(1, 2, "/etc/b")))

	recs := readLog(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, model.HashValue(""), recs[0].PrevHash)
	assert.Equal(t, recs[0].RecordHash, recs[1].PrevHash)
	assert.Equal(t, "run-1", recs[1].RunID)

	n, err := s.Verify()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_VerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)
	require.NoError(t, s.Put(confEvent(1, 1, "/etc/a")))
	require.NoError(t, s.Put(confEvent(1, 2, "/etc/b")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "/etc/a", "/etc/z", 1)), 0600))

	_, err = eventstore.VerifyFile(path)
	assert.ErrorIs(t, err, errclass.ErrLogCorrupt)
}

func TestStore_SkipsTornTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)
	require.NoError(t, s.Put(confEvent(1, 1, "/etc/a")))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","key":{"rule":1,"seq":2`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openStore(t, path)
	assert.Equal(t, 1, reopened.Stats().Skipped)
	assert.True(t, reopened.Has(model.EventKey{Rule: 1, Seq: 1}))

	// The next append starts on a fresh line and replays cleanly.
	require.NoError(t, reopened.Put(confEvent(1, 2, "/etc/b")))
	again := openStore(t, path)
	assert.True(t, again.Has(model.EventKey{Rule: 1, Seq: 2}))
	assert.Equal(t, 1, again.Stats().Skipped)
}

func TestStore_Compact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)
	for seq := 1; seq <= 4; seq++ {
		require.NoError(t, s.Put(confEvent(9, seq, "/etc/f")))
	}
	for seq := 1; seq <= 3; seq++ {
		_, err := s.Delete(model.EventKey{Rule: 9, Seq: seq})
		require.NoError(t, err)
	}
	require.NoError(t, s.Put(confEvent(2, 1, "/etc/g")))
	_, err := s.Delete(model.EventKey{Rule: 2, Seq: 1})
	require.NoError(t, err)

	require.NoError(t, s.Compact())

	recs := readLog(t, path)
	// Two marks (rules 2 and 9) plus the single live event.
	require.Len(t, recs, 3)
	assert.Equal(t, model.OpMark, recs[0].Op)
	assert.Equal(t, model.OpPut, recs[2].Op)

	n, err := s.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	reopened := openStore(t, path)
	assert.Equal(t, 5, reopened.NextSequence(9))
	assert.Equal(t, 2, reopened.NextSequence(2))
	assert.Equal(t, []int{9}, reopened.Rules())

	// Appends after compaction extend the new chain.
	require.NoError(t, s.Put(confEvent(9, 5, "/etc/f")))
	_, err = s.Verify()
	require.NoError(t, err)
}

func TestStore_ConcurrentPuts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.jsonl")
	s := openStore(t, path)

	var wg sync.WaitGroup
	for rule := 1; rule <= 10; rule++ {
		wg.Add(1)
		go func(rule int) {
			defer wg.Done()
			for seq := 1; seq <= 5; seq++ {
				assert.NoError(t, s.Put(confEvent(rule, seq, "/etc/f")))
			}
		}(rule)
	}
	wg.Wait()

	assert.Len(t, s.Keys(), 50)
	n, err := s.Verify()
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
