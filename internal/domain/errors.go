package domain

import "fmt"

// AuthError is a bad or missing shared secret. Never retried.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "authentication failed"
	}
	return fmt.Sprintf("authentication failed: %s", e.Detail)
}

// ChecksumMismatchError is a chunk whose payload does not match its
// checksum. Retried up to the file-chunk budget, then surfaced as a
// file-level failure.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// PathViolationError is a path that resolves outside the permitted root.
// The entry is rejected; the batch continues.
type PathViolationError struct {
	Path   string
	Reason string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("path violation for %q: %s", e.Path, e.Reason)
}

// SchemaApplyError is a DDL execution failure. Fatal to that table's
// transfer.
type SchemaApplyError struct {
	Table string
	Err   error
}

func (e *SchemaApplyError) Error() string {
	return fmt.Sprintf("schema apply failed for table %s: %v", e.Table, e.Err)
}

func (e *SchemaApplyError) Unwrap() error { return e.Err }

// RowApplyError is a single-row decode or insert failure. The row is
// skipped and logged; the batch continues.
type RowApplyError struct {
	Table string
	Key   string
	Err   error
}

func (e *RowApplyError) Error() string {
	return fmt.Sprintf("row apply failed for table %s (key %s): %v", e.Table, e.Key, e.Err)
}

func (e *RowApplyError) Unwrap() error { return e.Err }

// TransientError is a connection, timeout, or 5xx-class failure. Retried
// with exponential backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError is a second session attempted while one is active. Fatal
// immediately, no retry.
type ConflictError struct {
	ActiveSessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("migration already in progress (session %s)", e.ActiveSessionID)
}
