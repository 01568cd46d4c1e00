// Package gc removes snapshot data that no live event references and
// prunes snapshot trees of old program versions.
package gc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/stonix-project/stonix/internal/filestate"
	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stonix-project/stonix/pkg/model"
)

// LiveSet reports whether an event is still in the log.
type LiveSet interface {
	Has(key model.EventKey) bool
}

// Report summarizes an executed plan.
type Report struct {
	PlanID         string           `json:"plan_id"`
	Removed        []model.EventKey `json:"removed"`
	PrunedVersions []string         `json:"pruned_versions"`
	Skipped        []string         `json:"skipped,omitempty"`
}

// Collector handles garbage collection.
type Collector struct {
	gcDir   string
	live    LiveSet
	files   *filestate.Manager
	policy  model.RetentionPolicy
	log     *logging.Logger
	metrics *metrics.Registry
}

// NewCollector creates a collector that keeps plans in gcDir.
func NewCollector(gcDir string, live LiveSet, files *filestate.Manager, policy model.RetentionPolicy, log *logging.Logger, m *metrics.Registry) *Collector {
	if log == nil {
		log = logging.Discard()
	}
	return &Collector{
		gcDir:   gcDir,
		live:    live,
		files:   files,
		policy:  policy,
		log:     log.Component("gc"),
		metrics: m,
	}
}

// Plan computes what a collection would remove and persists the plan.
func (c *Collector) Plan() (*model.GCPlan, error) {
	if err := c.policy.Validate(); err != nil {
		return nil, err
	}
	orphans, err := c.orphans()
	if err != nil {
		return nil, fmt.Errorf("find orphans: %w", err)
	}
	pruned, err := c.prunable()
	if err != nil {
		return nil, fmt.Errorf("find prunable versions: %w", err)
	}

	plan := &model.GCPlan{
		PlanID:          uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
		Orphans:         orphans,
		PrunedVersions:  pruned,
		RetentionPolicy: c.policy,
	}
	if err := c.writePlan(plan); err != nil {
		return nil, fmt.Errorf("write plan: %w", err)
	}
	return plan, nil
}

// Run executes a plan. Entries that became live since planning are
// skipped rather than removed.
func (c *Collector) Run(planID string) (*Report, error) {
	plan, err := c.LoadPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	report := &Report{PlanID: planID}

	for _, k := range plan.Orphans {
		if c.live.Has(k) {
			report.Skipped = append(report.Skipped, k.String())
			continue
		}
		if err := c.files.Remove(k); err != nil {
			c.log.Warn("failed to remove orphan snapshot", map[string]any{"key": k.String(), "error": err.Error()})
			continue
		}
		report.Removed = append(report.Removed, k)
	}

	for _, v := range plan.PrunedVersions {
		if v == c.files.Version() {
			report.Skipped = append(report.Skipped, v)
			continue
		}
		live, err := c.versionIsLive(v)
		if err != nil || live {
			report.Skipped = append(report.Skipped, v)
			continue
		}
		if err := c.files.RemoveVersion(v); err != nil {
			c.log.Warn("failed to prune version", map[string]any{"version": v, "error": err.Error()})
			continue
		}
		report.PrunedVersions = append(report.PrunedVersions, v)
	}

	c.DiscardPlan(planID)
	c.metrics.RecordSnapshot("gc")
	c.log.Info("gc finished", map[string]any{
		"plan_id": planID, "removed": len(report.Removed), "pruned_versions": len(report.PrunedVersions),
	})
	return report, nil
}

// orphans lists snapshot keys with no live event.
func (c *Collector) orphans() ([]model.EventKey, error) {
	keys, err := c.files.Keys()
	if err != nil {
		return nil, err
	}
	out := []model.EventKey{}
	for _, k := range keys {
		if !c.live.Has(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// prunable lists version directories outside the retention window that
// hold no snapshot of a live event. The running version is never pruned.
func (c *Collector) prunable() ([]string, error) {
	versions, err := c.files.Versions()
	if err != nil {
		return nil, err
	}
	keepFrom := len(versions) - c.policy.KeepVersions
	out := []string{}
	for i, v := range versions {
		if i >= keepFrom || v == c.files.Version() {
			continue
		}
		live, err := c.versionIsLive(v)
		if err != nil {
			return nil, err
		}
		if !live {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *Collector) versionIsLive(v string) (bool, error) {
	keys, err := c.files.KeysInVersion(v)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(keys, c.live.Has), nil
}

func (c *Collector) planPath(planID string) string {
	return filepath.Join(c.gcDir, planID+".json")
}

func (c *Collector) writePlan(plan *model.GCPlan) error {
	if err := os.MkdirAll(c.gcDir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(c.planPath(plan.PlanID), data, 0600)
}

// LoadPlan reads a persisted plan.
func (c *Collector) LoadPlan(planID string) (*model.GCPlan, error) {
	if _, err := uuid.Parse(planID); err != nil {
		return nil, fmt.Errorf("invalid plan id %q", planID)
	}
	data, err := os.ReadFile(c.planPath(planID))
	if err != nil {
		return nil, err
	}
	var plan model.GCPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// DiscardPlan deletes a persisted plan without running it.
func (c *Collector) DiscardPlan(planID string) {
	os.Remove(c.planPath(planID))
}
