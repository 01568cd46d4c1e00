package model

import (
	"fmt"
	"time"
)

// GCPlan lists snapshot data that no live event references and the
// version directories that fall outside the retention window.
type GCPlan struct {
	PlanID          string          `json:"plan_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Orphans         []EventKey      `json:"orphans"`
	PrunedVersions  []string        `json:"pruned_versions"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`
}

// RetentionPolicy configures which snapshot versions gc keeps.
type RetentionPolicy struct {
	// KeepVersions is the number of newest version directories kept.
	// Versions still referenced by a live event are always kept.
	KeepVersions int `json:"keep_versions"`
}

// DefaultRetentionPolicy returns the default retention policy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{KeepVersions: 3}
}

// Validate checks if the retention policy is valid.
func (rp *RetentionPolicy) Validate() error {
	if rp.KeepVersions < 1 {
		return &InvalidRetentionPolicyError{
			Field:  "keep_versions",
			Reason: "must be at least 1",
			Value:  rp.KeepVersions,
		}
	}
	return nil
}

// InvalidRetentionPolicyError is returned when a retention policy is invalid.
type InvalidRetentionPolicyError struct {
	Field  string
	Reason string
	Value  any
}

func (e *InvalidRetentionPolicyError) Error() string {
	return fmt.Sprintf("invalid retention policy: %s %s (got: %v)", e.Field, e.Reason, e.Value)
}
