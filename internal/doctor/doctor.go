// Package doctor checks a state directory for inconsistencies between
// the event log and the snapshot tree.
package doctor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stonix-project/stonix/internal/eventstore"
	"github.com/stonix-project/stonix/internal/filestate"
	"github.com/stonix-project/stonix/internal/lock"
	"github.com/stonix-project/stonix/internal/statedir"
	"github.com/stonix-project/stonix/pkg/model"
)

// Severities, most to least serious.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	Key         string `json:"key,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Records  int       `json:"records"`
	Events   int       `json:"events"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical || f.Severity == SeverityError {
		r.Healthy = false
	}
}

// Doctor performs state directory health checks.
type Doctor struct {
	dir   *statedir.StateDir
	store *eventstore.Store
	files *filestate.Manager
	locks *lock.Manager
}

// NewDoctor creates a new doctor.
func NewDoctor(dir *statedir.StateDir, store *eventstore.Store, files *filestate.Manager, locks *lock.Manager) *Doctor {
	return &Doctor{dir: dir, store: store, files: files, locks: locks}
}

// Check runs all diagnostic checks. Strict mode also re-hashes every
// snapshot a live event depends on.
func (d *Doctor) Check(strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkFormatVersion(result)
	d.checkLogChain(result)
	d.checkEventSnapshots(result, strict)
	if err := d.checkOrphanSnapshots(result); err != nil {
		return nil, err
	}
	d.checkLock(result)
	d.checkOrphanTmp(result)

	return result, nil
}

func (d *Doctor) checkFormatVersion(result *Result) {
	if _, err := statedir.Open(d.dir.Root); err != nil {
		result.add(Finding{
			Category:    "format",
			Description: fmt.Sprintf("state directory unusable: %v", err),
			Severity:    SeverityCritical,
			Path:        filepath.Join(d.dir.Root, statedir.FormatVersionFile),
		})
	}
}

func (d *Doctor) checkLogChain(result *Result) {
	n, err := eventstore.VerifyFile(d.store.Path())
	result.Records = n
	if err != nil {
		result.add(Finding{
			Category:    "eventlog",
			Description: fmt.Sprintf("event log chain broken: %v", err),
			Severity:    SeverityCritical,
			Path:        d.store.Path(),
		})
	}
	if skipped := d.store.Stats().Skipped; skipped > 0 {
		result.add(Finding{
			Category:    "eventlog",
			Description: fmt.Sprintf("%d unreadable log line(s) were skipped on replay", skipped),
			Severity:    SeverityWarning,
			Path:        d.store.Path(),
		})
	}
}

// checkEventSnapshots flags conf and deletion events whose stateBefore
// copy is gone; undo of those events would fail.
func (d *Doctor) checkEventSnapshots(result *Result, strict bool) {
	keys := d.store.Keys()
	result.Events = len(keys)
	for _, k := range keys {
		ev, err := d.store.Get(k)
		if err != nil {
			continue
		}
		switch ev.Type() {
		case model.EventConf, model.EventDeletion:
		default:
			continue
		}
		target := ev.Payload.Target()
		if !d.files.Has(k, target) {
			result.add(Finding{
				Category:    "snapshot",
				Description: fmt.Sprintf("%s event has no stateBefore snapshot of %s", ev.Type(), target),
				Severity:    SeverityError,
				Path:        target,
				Key:         k.String(),
			})
			continue
		}
		if strict {
			if err := d.files.Verify(k, target); err != nil {
				result.add(Finding{
					Category:    "integrity",
					Description: err.Error(),
					Severity:    SeverityError,
					Path:        target,
					Key:         k.String(),
				})
			}
		}
	}
}

func (d *Doctor) checkOrphanSnapshots(result *Result) error {
	keys, err := d.files.Keys()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	for _, k := range keys {
		if d.store.Has(k) {
			continue
		}
		result.add(Finding{
			Category:    "snapshot",
			Description: "snapshot has no live event (run gc)",
			Severity:    SeverityInfo,
			Key:         k.String(),
		})
	}
	return nil
}

func (d *Doctor) checkLock(result *Result) {
	if d.locks == nil {
		return
	}
	state, rec, err := d.locks.Status()
	if err != nil {
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("unreadable run lock: %v", err),
			Severity:    SeverityWarning,
			Path:        d.locks.Path(),
		})
		return
	}
	switch state {
	case lock.StateExpired:
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("expired run lock from run %s (since %s)", rec.RunID, rec.ExpiresAt.Format(time.RFC3339)),
			Severity:    SeverityInfo,
			Path:        d.locks.Path(),
		})
	case lock.StateStale:
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("run lock held by exited process %d", rec.PID),
			Severity:    SeverityWarning,
			Path:        d.locks.Path(),
		})
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	filepath.WalkDir(d.dir.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".stonix-tmp-") {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", entry.Name()),
				Severity:    SeverityInfo,
				Path:        path,
			})
		}
		return nil
	})
}

// Repair removes leftovers that are always safe to drop: orphan temp
// files. It returns the paths removed.
func (d *Doctor) Repair(result *Result) []string {
	var removed []string
	for _, f := range result.Findings {
		if f.Category != "tmp" || f.Path == "" {
			continue
		}
		if err := os.Remove(f.Path); err == nil {
			removed = append(removed, f.Path)
		}
	}
	return removed
}
