// Package lock serializes controller runs against one state directory.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/model"
)

// State is the observed state of the run lock.
type State string

const (
	StateFree    State = "free"
	StateHeld    State = "held"
	StateExpired State = "expired"
	// StateStale means the lease is live but the holder process is gone.
	StateStale State = "stale"
)

// FileName is the lock file's name inside the locks directory.
const FileName = "run.lock"

// Manager handles the exclusive run lock.
type Manager struct {
	path   string
	policy model.LockPolicy
	log    *logging.Logger
	mu     sync.Mutex
	now    func() time.Time
	alive  func(pid int) bool
}

// NewManager returns a manager for the lock file in locksDir.
func NewManager(locksDir string, policy model.LockPolicy, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		path:   filepath.Join(locksDir, FileName),
		policy: policy,
		log:    log.Component("lock"),
		now:    time.Now,
		alive:  pidAlive,
	}
}

// SetClock replaces the time source. For tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetLiveness replaces the holder liveness probe. For tests.
func (m *Manager) SetLiveness(alive func(pid int) bool) { m.alive = alive }

// Path returns the lock file path.
func (m *Manager) Path() string { return m.path }

// Acquire takes the lock for runID. An expired or stale lock is taken
// over; a live one yields ErrLockConflict.
func (m *Manager) Acquire(runID, purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	rec := m.newRecord(runID, purpose)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	// O_CREATE|O_EXCL makes the first writer win.
	file, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		held, readErr := m.readLock()
		if readErr != nil {
			return nil, fmt.Errorf("read existing lock: %w", readErr)
		}
		switch m.state(held) {
		case StateHeld:
			return nil, errclass.ErrLockConflict.WithMessagef("run %s (pid %d) holds the state directory since %s",
				held.RunID, held.PID, held.AcquiredAt.Format(time.RFC3339))
		default:
			m.log.Warn("taking over abandoned lock", map[string]any{"previous_run": held.RunID, "previous_pid": held.PID})
			if err := fsutil.AtomicWrite(m.path, data, 0600); err != nil {
				return nil, fmt.Errorf("steal lock: %w", err)
			}
			return rec, nil
		}
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		os.Remove(m.path)
		return nil, fmt.Errorf("write lock: %w", err)
	}
	if err := file.Sync(); err != nil {
		os.Remove(m.path)
		return nil, fmt.Errorf("sync lock: %w", err)
	}
	m.log.Debug("lock acquired", map[string]any{"run_id": runID, "purpose": purpose})
	return rec, nil
}

// AcquireWait retries Acquire until it succeeds, ctx ends, or wait
// elapses.
func (m *Manager) AcquireWait(ctx context.Context, runID, purpose string, wait, interval time.Duration) (*model.LockRecord, error) {
	deadline := m.now().Add(wait)
	for {
		rec, err := m.Acquire(runID, purpose)
		if err == nil || !errors.Is(err, errclass.ErrLockConflict) {
			return rec, err
		}
		left := deadline.Sub(m.now())
		if left <= 0 {
			return nil, errclass.ErrLockTimeout.WithMessagef("gave up after %s: %v", wait, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(interval, left)):
		}
	}
}

// Renew extends the lease held under nonce.
func (m *Manager) Renew(nonce string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != nonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}
	if rec.IsExpired(m.now()) {
		return nil, errclass.ErrLockNotHeld.WithMessage("lease has expired")
	}
	rec.ExpiresAt = m.now().UTC().Add(m.policy.DefaultLeaseTTL)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.AtomicWrite(m.path, data, 0600); err != nil {
		return nil, fmt.Errorf("update lock: %w", err)
	}
	return rec, nil
}

// Keep renews the lease held under nonce every interval until the
// returned stop function is called. A non-positive interval means a third
// of the lease TTL. Failed renewals are logged and retried on the next tick.
func (m *Manager) Keep(nonce string, every time.Duration) (stop func()) {
	if every <= 0 {
		every = m.policy.DefaultLeaseTTL / 3
	}
	if every <= 0 {
		every = time.Minute
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := m.Renew(nonce); err != nil {
					m.log.Warn("run lock not renewed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// Release frees the lock held under nonce. Releasing a free lock is a
// no-op.
func (m *Manager) Release(nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != nonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Break removes the lock regardless of holder. Operators use it after a
// crash left a lock behind on another host.
func (m *Manager) Break() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Status returns the current lock state and record, if any.
func (m *Manager) Status() (State, *model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return StateFree, nil, nil
		}
		return StateFree, nil, fmt.Errorf("read lock: %w", err)
	}
	return m.state(rec), rec, nil
}

func (m *Manager) state(rec *model.LockRecord) State {
	if rec.IsExpired(m.now()) {
		return StateExpired
	}
	host, _ := os.Hostname()
	if rec.Hostname == host && rec.PID > 0 && !m.alive(rec.PID) {
		return StateStale
	}
	return StateHeld
}

func (m *Manager) newRecord(runID, purpose string) *model.LockRecord {
	now := m.now().UTC()
	host, _ := os.Hostname()
	return &model.LockRecord{
		HolderNonce: uuid.NewString(),
		RunID:       runID,
		PID:         os.Getpid(),
		Hostname:    host,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.policy.DefaultLeaseTTL),
		Purpose:     purpose,
	}
}

func (m *Manager) readLock() (*model.LockRecord, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func pidAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown liveness counts as alive so a lock is never stolen on
		// a probe failure.
		return true
	}
	return ok
}
