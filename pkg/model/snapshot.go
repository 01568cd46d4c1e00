package model

import (
	"os"
	"time"
)

// SnapshotMeta is the sidecar written next to every captured file.
type SnapshotMeta struct {
	Key        EventKey      `json:"key"`
	State      SnapshotState `json:"state"`
	Path       string        `json:"path"`
	Version    string        `json:"version"`
	Mode       os.FileMode   `json:"mode"`
	UID        int           `json:"uid"`
	GID        int           `json:"gid"`
	Size       int64         `json:"size"`
	ModTime    time.Time     `json:"mod_time"`
	SHA256     HashValue     `json:"sha256"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Ownership returns the captured (uid, gid, mode) triple.
func (m *SnapshotMeta) Ownership() Ownership {
	return Ownership{UID: m.UID, GID: m.GID, Mode: m.Mode}
}
