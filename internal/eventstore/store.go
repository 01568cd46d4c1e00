// Package eventstore persists change events in an append-only JSONL log
// with a SHA-256 hash chain and serves them from an in-memory index.
//
// Every mutation appends one LogRecord. Opening the store replays the log;
// the index is authoritative for reads while the store is open.
package eventstore

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/model"
)

// Stats describes the log as replayed at open time plus later appends.
type Stats struct {
	Records int `json:"records"`
	Live    int `json:"live"`
	Skipped int `json:"skipped"`
}

// Store is the event log of one state directory.
type Store struct {
	path  string
	runID string
	log   *logging.Logger

	mu       sync.Mutex
	events   map[model.EventKey]model.ChangeEvent
	high     map[int]int
	lastHash model.HashValue
	size     int64
	stats    Stats
	now      func() time.Time
}

// Open replays the log at path, creating its directory if needed. Lines
// that fail to parse (an interrupted append) are skipped and counted.
func Open(path, runID string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	s := &Store{
		path:   path,
		runID:  runID,
		log:    log.Component("eventstore"),
		events: make(map[model.EventKey]model.ChangeEvent),
		high:   make(map[int]int),
		now:    func() time.Time { return time.Now().UTC() },
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	err = readRecords(f, func(rec *model.LogRecord) {
		s.apply(rec)
		s.lastHash = rec.RecordHash
		s.stats.Records++
	}, func(lineNo int, perr error) {
		s.stats.Skipped++
		s.log.Warn("skipping malformed event log line", map[string]any{"line": lineNo, "error": perr.Error()})
	})
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil {
		s.size = info.Size()
	}
	s.stats.Live = len(s.events)
	return s, nil
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

func (s *Store) apply(rec *model.LogRecord) {
	switch rec.Op {
	case model.OpPut:
		if rec.Event == nil {
			return
		}
		s.events[rec.Key] = *rec.Event
		s.bump(rec.Key)
	case model.OpDelete:
		delete(s.events, rec.Key)
	case model.OpMark:
		s.bump(rec.Key)
	}
}

func (s *Store) bump(k model.EventKey) {
	if k.Seq > s.high[k.Rule] {
		s.high[k.Rule] = k.Seq
	}
}

// Put stores a new event. The key must be unused and its sequence must be
// above every sequence the rule has ever used.
func (s *Store) Put(ev model.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return errclass.ErrEventInvalid.WithMessage(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.Key]; ok {
		return errclass.ErrDuplicateEvent.WithMessagef("event %s already recorded", ev.Key)
	}
	if ev.Key.Seq <= s.high[ev.Key.Rule] {
		return errclass.ErrSequenceReused.WithMessagef(
			"event %s: rule %d already used sequence %d", ev.Key, ev.Key.Rule, s.high[ev.Key.Rule])
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = s.now()
	}

	stored := ev
	if err := s.appendLocked(&model.LogRecord{Op: model.OpPut, Key: ev.Key, Event: &stored}); err != nil {
		return err
	}
	s.events[ev.Key] = ev
	s.bump(ev.Key)
	s.stats.Live = len(s.events)
	return nil
}

// Get returns the event stored under key.
func (s *Store) Get(key model.EventKey) (model.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[key]
	if !ok {
		return model.ChangeEvent{}, errclass.ErrEventNotFound.WithMessagef("event %s", key)
	}
	return ev, nil
}

// Has reports whether key is live.
func (s *Store) Has(key model.EventKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[key]
	return ok
}

// Delete removes key. Deleting an absent key is a no-op and reports false.
func (s *Store) Delete(key model.EventKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[key]; !ok {
		return false, nil
	}
	if err := s.appendLocked(&model.LogRecord{Op: model.OpDelete, Key: key}); err != nil {
		return false, err
	}
	delete(s.events, key)
	s.stats.Live = len(s.events)
	return true, nil
}

// FindRule returns the live keys of rule ordered by sequence.
func (s *Store) FindRule(rule int) []model.EventKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []model.EventKey
	for k := range s.events {
		if k.Rule == rule {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

// Keys returns every live key ordered by rule, then sequence.
func (s *Store) Keys() []model.EventKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]model.EventKey, 0, len(s.events))
	for k := range s.events {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Rules returns the rule numbers that have live events.
func (s *Store) Rules() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int]struct{})
	for k := range s.events {
		seen[k.Rule] = struct{}{}
	}
	rules := make([]int, 0, len(seen))
	for r := range seen {
		rules = append(rules, r)
	}
	sort.Ints(rules)
	return rules
}

// NextSequence returns the first sequence rule has never used.
func (s *Store) NextSequence(rule int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.high[rule] + 1
}

// Stats returns replay and append counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func sortKeys(keys []model.EventKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// appendLocked writes rec at the end of the log under an exclusive flock.
// Caller holds s.mu.
func (s *Store) appendLocked(rec *model.LogRecord) error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("flock event log: %w", err)
	}
	defer unlockFile(file)

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	// Another writer appended since our last look; re-derive the chain tip.
	if info.Size() != s.size {
		s.log.Warn("event log changed outside this store", map[string]any{"expected_size": s.size, "size": info.Size()})
		if s.lastHash, err = lastRecordHash(file); err != nil {
			return err
		}
	}

	var prefix []byte
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := file.ReadAt(last, info.Size()-1); err != nil {
			return fmt.Errorf("read event log tail: %w", err)
		}
		// Terminate a torn line so the new record starts cleanly.
		if last[0] != '\n' {
			prefix = []byte{'\n'}
		}
	}

	rec.Timestamp = s.now()
	rec.RunID = s.runID
	rec.PrevHash = s.lastHash
	hash, err := computeRecordHash(rec)
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	buf := append(prefix, line...)
	buf = append(buf, '\n')

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}

	s.lastHash = hash
	s.size = info.Size() + int64(len(buf))
	s.stats.Records++
	return nil
}

// Compact rewrites the log so it holds only live events, preceded by one
// mark record per rule so sequence high-water marks survive.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := make([]int, 0, len(s.high))
	for r := range s.high {
		rules = append(rules, r)
	}
	sort.Ints(rules)

	keys := make([]model.EventKey, 0, len(s.events))
	for k := range s.events {
		keys = append(keys, k)
	}
	sortKeys(keys)

	now := s.now()
	var (
		buf  bytes.Buffer
		prev model.HashValue
	)
	write := func(rec *model.LogRecord) error {
		rec.Timestamp = now
		rec.RunID = s.runID
		rec.PrevHash = prev
		hash, err := computeRecordHash(rec)
		if err != nil {
			return fmt.Errorf("compute record hash: %w", err)
		}
		rec.RecordHash = hash
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal log record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		prev = hash
		return nil
	}

	for _, r := range rules {
		if err := write(&model.LogRecord{Op: model.OpMark, Key: model.EventKey{Rule: r, Seq: s.high[r]}}); err != nil {
			return err
		}
	}
	for _, k := range keys {
		ev := s.events[k]
		if err := write(&model.LogRecord{Op: model.OpPut, Key: k, Event: &ev}); err != nil {
			return err
		}
	}

	if err := fsutil.AtomicWrite(s.path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("rewrite event log: %w", err)
	}

	s.log.Info("event log compacted", map[string]any{
		"records_before": s.stats.Records,
		"records_after":  len(rules) + len(keys),
	})
	s.lastHash = prev
	s.size = int64(buf.Len())
	s.stats.Records = len(rules) + len(keys)
	s.stats.Skipped = 0
	return nil
}

// Verify re-reads the log from disk and checks every record hash and the
// chain linking them. It returns the number of records checked.
func (s *Store) Verify() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VerifyFile(s.path)
}

// VerifyFile checks the hash chain of the log at path without opening a
// store. A missing file verifies as empty.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var (
		n        int
		prev     model.HashValue
		chainErr error
	)
	err = readRecords(f, func(rec *model.LogRecord) {
		if chainErr != nil {
			return
		}
		n++
		if rec.PrevHash != prev {
			chainErr = errclass.ErrLogCorrupt.WithMessagef("record %d: prev_hash does not match previous record", n)
			return
		}
		want, err := computeRecordHash(rec)
		if err != nil || want != rec.RecordHash {
			chainErr = errclass.ErrLogCorrupt.WithMessagef("record %d: record_hash mismatch", n)
			return
		}
		prev = rec.RecordHash
	}, func(lineNo int, perr error) {
		if chainErr == nil {
			chainErr = errclass.ErrLogCorrupt.WithMessagef("line %d: %v", lineNo, perr)
		}
	})
	if err != nil {
		return n, err
	}
	return n, chainErr
}

// readRecords decodes one LogRecord per line. Blank lines are ignored.
func readRecords(r io.Reader, onRecord func(*model.LogRecord), onBad func(int, error)) error {
	br := bufio.NewReader(r)
	lineNo := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var rec model.LogRecord
				if uerr := json.Unmarshal(trimmed, &rec); uerr != nil {
					onBad(lineNo, uerr)
				} else {
					onRecord(&rec)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event log: %w", err)
		}
	}
}

func lastRecordHash(f *os.File) (model.HashValue, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}
	var last model.HashValue
	err := readRecords(f, func(rec *model.LogRecord) { last = rec.RecordHash }, func(int, error) {})
	return last, err
}

func computeRecordHash(rec *model.LogRecord) (model.HashValue, error) {
	hashRecord := *rec
	hashRecord.RecordHash = ""
	data, err := json.Marshal(&hashRecord)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}
