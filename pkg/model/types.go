package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// SnapshotState names one side of a mutation in the snapshot tree.
type SnapshotState string

const (
	StateBefore SnapshotState = "stateBefore"
	StateAfter  SnapshotState = "stateAfter"
)

// UndoState is the terminal state of an undo pass.
type UndoState string

const (
	UndoIdle              UndoState = "idle"
	UndoReverting         UndoState = "reverting"
	UndoReverted          UndoState = "reverted"
	UndoPartiallyReverted UndoState = "partially_reverted"
)
