package errclass

import "fmt"

// StonixError is a stable, machine-readable error class.
type StonixError struct {
	Code    string
	Message string
}

func (e *StonixError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StonixError) Is(target error) bool {
	t, ok := target.(*StonixError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new StonixError with the same Code but a specific message.
func (e *StonixError) WithMessage(msg string) *StonixError {
	return &StonixError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new StonixError with a formatted message.
func (e *StonixError) WithMessagef(format string, args ...any) *StonixError {
	return &StonixError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Stable error classes.
var (
	ErrDuplicateEvent    = &StonixError{Code: "E_DUPLICATE_EVENT"}
	ErrSequenceReused    = &StonixError{Code: "E_SEQUENCE_REUSED"}
	ErrEventNotFound     = &StonixError{Code: "E_EVENT_NOT_FOUND"}
	ErrEventInvalid      = &StonixError{Code: "E_EVENT_INVALID"}
	ErrSnapshotMissing   = &StonixError{Code: "E_SNAPSHOT_MISSING"}
	ErrLogCorrupt        = &StonixError{Code: "E_LOG_CORRUPT"}
	ErrPathInvalid       = &StonixError{Code: "E_PATH_INVALID"}
	ErrLockConflict      = &StonixError{Code: "E_LOCK_CONFLICT"}
	ErrLockNotHeld       = &StonixError{Code: "E_LOCK_NOT_HELD"}
	ErrLockTimeout       = &StonixError{Code: "E_LOCK_TIMEOUT"}
	ErrCommandFailed     = &StonixError{Code: "E_COMMAND_FAILED"}
	ErrFormatUnsupported = &StonixError{Code: "E_FORMAT_UNSUPPORTED"}
	ErrNotPrivileged     = &StonixError{Code: "E_NOT_PRIVILEGED"}
)
