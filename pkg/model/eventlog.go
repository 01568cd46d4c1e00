package model

import "time"

// LogOp is the operation carried by one event log line.
type LogOp string

const (
	OpPut    LogOp = "put"
	OpDelete LogOp = "delete"
	// OpMark preserves a rule's sequence high-water mark across compaction.
	OpMark LogOp = "mark"
)

// LogRecord is a single line in the event log (JSONL format).
type LogRecord struct {
	Timestamp  time.Time    `json:"timestamp"`
	Op         LogOp        `json:"op"`
	Key        EventKey     `json:"key"`
	Event      *ChangeEvent `json:"event,omitempty"`
	RunID      string       `json:"run_id,omitempty"`
	PrevHash   HashValue    `json:"prev_hash"`
	RecordHash HashValue    `json:"record_hash"`
}
