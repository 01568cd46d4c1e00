package model

import "time"

// LockRecord is stored at <state>/locks/run.lock while a controller run holds
// the state directory.
type LockRecord struct {
	HolderNonce string    `json:"holder_nonce"`
	RunID       string    `json:"run_id"`
	PID         int       `json:"pid"`
	Hostname    string    `json:"hostname,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Purpose     string    `json:"purpose,omitempty"`
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl"`
}

// DefaultLockPolicy is long enough for a full controller pass.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{DefaultLeaseTTL: 2 * time.Hour}
}
