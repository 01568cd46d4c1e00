// Package recorder is the API rules use to log reversible mutations.
//
// The legacy call sequence is supported as is: RecordEvent registers an
// event, RecordFileChange snapshots the file it is about to touch, and
// FindRuleChanges/DeleteEntry clear a rule's history. New code should use
// Mutate and the helpers built on it, which snapshot first, apply the
// change, and record the event only once the change succeeded.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stonix-project/stonix/pkg/model"
)

// EventStore persists change events.
type EventStore interface {
	Put(ev model.ChangeEvent) error
	Get(key model.EventKey) (model.ChangeEvent, error)
	Has(key model.EventKey) bool
	Delete(key model.EventKey) (bool, error)
	FindRule(rule int) []model.EventKey
	NextSequence(rule int) int
}

// SnapshotStore keeps file copies keyed by event.
type SnapshotStore interface {
	Capture(key model.EventKey, path string, state model.SnapshotState) (*model.SnapshotMeta, error)
	Restore(key model.EventKey, path string) error
	Has(key model.EventKey, path string) bool
	Remove(key model.EventKey) error
	WriteDiff(key model.EventKey, path string) (string, error)
}

// Recorder records change events and their file snapshots.
type Recorder struct {
	store   EventStore
	files   SnapshotStore
	runner  command.Runner
	log     *logging.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu      sync.Mutex
	pending map[model.EventKey]struct{}
}

// New returns a Recorder. runner is used by RunCommand and may be nil when
// no command mutations are made.
func New(store EventStore, files SnapshotStore, runner command.Runner, log *logging.Logger, m *metrics.Registry) *Recorder {
	if log == nil {
		log = logging.Discard()
	}
	return &Recorder{
		store:   store,
		files:   files,
		runner:  runner,
		log:     log.Component("recorder"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[model.EventKey]struct{}),
	}
}

// RecordEvent stores payload under key. A key that is already recorded is
// rejected with E_DUPLICATE_EVENT.
func (r *Recorder) RecordEvent(key model.EventKey, payload model.Payload) error {
	ev := model.ChangeEvent{Key: key, RecordedAt: r.now(), Payload: payload}
	if err := r.store.Put(ev); err != nil {
		return err
	}
	r.metrics.RecordEvent(string(payload.Type()))
	r.log.Info("recorded change event", map[string]any{
		"key":       key.String(),
		"eventtype": string(payload.Type()),
		"target":    payload.Target(),
	})
	return nil
}

// RecordFileChange snapshots the current content of path for key. The key
// must already be recorded or reserved by an in-flight mutation. The
// underlying error (os.ErrNotExist) is returned when path is missing.
func (r *Recorder) RecordFileChange(key model.EventKey, path string) error {
	if !r.known(key) {
		return errclass.ErrEventNotFound.WithMessagef("recordfilechange for unregistered event %s", key)
	}
	if _, err := r.files.Capture(key, path, model.StateBefore); err != nil {
		return fmt.Errorf("snapshot %s for %s: %w", path, key, err)
	}
	return nil
}

// RecordFileDelete snapshots path and records a deletion event for key.
// The caller removes the file afterwards.
func (r *Recorder) RecordFileDelete(key model.EventKey, path string) error {
	if r.store.Has(key) {
		return errclass.ErrDuplicateEvent.WithMessagef("event %s already recorded", key)
	}
	if _, err := r.files.Capture(key, path, model.StateBefore); err != nil {
		return fmt.Errorf("snapshot %s for %s: %w", path, key, err)
	}
	if err := r.RecordEvent(key, model.Deletion{Path: path}); err != nil {
		if rmErr := r.files.Remove(key); rmErr != nil {
			r.log.Warn("could not discard snapshot", map[string]any{"key": key.String(), "error": rmErr.Error()})
		}
		return err
	}
	return nil
}

// FindRuleChanges returns the recorded keys of rule in creation order.
func (r *Recorder) FindRuleChanges(rule int) []model.EventKey {
	return r.store.FindRule(rule)
}

// DeleteEntry removes the event and any snapshots taken for it. Deleting
// a key that is not recorded succeeds.
func (r *Recorder) DeleteEntry(key model.EventKey) error {
	removed, err := r.store.Delete(key)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", key, err)
	}
	if err := r.files.Remove(key); err != nil {
		return fmt.Errorf("delete snapshots of %s: %w", key, err)
	}
	if removed {
		r.metrics.RecordDelete()
		r.log.Debug("deleted change event", map[string]any{"key": key.String()})
	}
	return nil
}

// GetEvent returns the event stored under key, or E_EVENT_NOT_FOUND.
func (r *Recorder) GetEvent(key model.EventKey) (model.ChangeEvent, error) {
	return r.store.Get(key)
}

// RevertFileChanges restores path from the snapshot taken for key.
func (r *Recorder) RevertFileChanges(path string, key model.EventKey) error {
	return r.files.Restore(key, path)
}

// RevertFileDelete restores a file removed under a deletion event.
func (r *Recorder) RevertFileDelete(path string, key model.EventKey) error {
	return r.files.Restore(key, path)
}

// ClearRule deletes every event of rule along with its snapshots and
// returns how many were cleared.
func (r *Recorder) ClearRule(rule int) (int, error) {
	keys := r.store.FindRule(rule)
	var errs []error
	n := 0
	for _, k := range keys {
		if err := r.DeleteEntry(k); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		r.log.Info("cleared stale change events", map[string]any{"rule": rule, "count": n})
	}
	return n, errors.Join(errs...)
}

// Iterator hands out fresh keys for one rule.
type Iterator struct {
	rule int
	next int
}

// NewIterator starts after the highest sequence rule has ever used.
func (r *Recorder) NewIterator(rule int) *Iterator {
	return &Iterator{rule: rule, next: r.store.NextSequence(rule)}
}

// Next returns the next key.
func (it *Iterator) Next() model.EventKey {
	k := model.EventKey{Rule: it.rule, Seq: it.next}
	it.next++
	return k
}

func (r *Recorder) known(key model.EventKey) bool {
	r.mu.Lock()
	_, ok := r.pending[key]
	r.mu.Unlock()
	return ok || r.store.Has(key)
}

// reserve picks the next unused key for rule and marks it in flight.
func (r *Recorder) reserve(rule int) model.EventKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := model.EventKey{Rule: rule, Seq: r.store.NextSequence(rule)}
	for {
		if _, busy := r.pending[k]; !busy {
			break
		}
		k.Seq++
	}
	r.pending[k] = struct{}{}
	return k
}

func (r *Recorder) release(k model.EventKey) {
	r.mu.Lock()
	delete(r.pending, k)
	r.mu.Unlock()
}
