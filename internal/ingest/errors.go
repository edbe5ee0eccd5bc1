package ingest

// errors.go defines the failure taxonomy of an ingestion run.
//
// Scope of each error:
//   - AuthError, SourceFetchError: abort the whole run
//   - StagingCreateError, StagingLoadError, MergeError: fail one file, run continues
//   - CleanupError: logged, never changes a file's status
//
// Malformed rows are not errors; they surface as RejectedRow entries.

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel causes that Store implementations wrap.
var (
	ErrTableNotFound  = errors.New("table not found")
	ErrConflict       = errors.New("concurrent modification conflict")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrDuplicateKeys  = errors.New("duplicate keys in staging batch")
)

// ErrFilesFailed is returned by Report.Err when at least one file failed.
var ErrFilesFailed = errors.New("one or more files failed to ingest")

// AuthError means the credential exchange failed.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange ran out of time.
func (e *AuthError) Timeout() bool { return isTimeout(e.Err) }

// SourceFetchError means listing or fetching files from the source failed.
type SourceFetchError struct {
	Op     string // "open", "list" or "fetch"
	Path   string // Set for fetch
	Commit string
	Err    error
}

func (e *SourceFetchError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("source %s %s@%s: %v", e.Op, e.Path, e.Commit, e.Err)
	}
	return fmt.Sprintf("source %s %s: %v", e.Op, e.Commit, e.Err)
}
func (e *SourceFetchError) Unwrap() error { return e.Err }
func (e *SourceFetchError) Timeout() bool { return isTimeout(e.Err) }

// StagingCreateError means the store refused to create a staging area.
type StagingCreateError struct {
	Table TableRef
	Err   error
}

func (e *StagingCreateError) Error() string {
	return fmt.Sprintf("create staging table %s: %v", e.Table, e.Err)
}
func (e *StagingCreateError) Unwrap() error { return e.Err }
func (e *StagingCreateError) Timeout() bool { return isTimeout(e.Err) }

// StagingLoadError means the bulk load into a staging area did not fully succeed.
// Rejected holds the rows the store refused; Err is set when the load failed as a whole.
type StagingLoadError struct {
	Table    TableRef
	Rejected []RowError
	Err      error
}

func (e *StagingLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load staging table %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("load staging table %s: store rejected %d rows", e.Table, len(e.Rejected))
}
func (e *StagingLoadError) Unwrap() error { return e.Err }
func (e *StagingLoadError) Timeout() bool { return isTimeout(e.Err) }

// MergeKind classifies a merge failure.
type MergeKind string

const (
	MergeRejected       MergeKind = "rejected"
	MergeSchemaMismatch MergeKind = "schema_mismatch"
	MergeConflict       MergeKind = "conflict"
	MergeTimeout        MergeKind = "timeout"
)

// MergeError means the upsert from staging into the target failed.
type MergeError struct {
	Kind    MergeKind
	Target  TableRef
	Staging TableRef
	Err     error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s into %s (%s): %v", e.Staging, e.Target, e.Kind, e.Err)
}
func (e *MergeError) Unwrap() error { return e.Err }
func (e *MergeError) Timeout() bool { return e.Kind == MergeTimeout }

// CleanupError means a staging area could not be dropped.
type CleanupError struct {
	Table TableRef
	Err   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("drop staging table %s: %v", e.Table, e.Err)
}
func (e *CleanupError) Unwrap() error { return e.Err }

// classifyMerge maps a store error to a MergeKind.
func classifyMerge(err error) MergeKind {
	switch {
	case isTimeout(err):
		return MergeTimeout
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateKeys):
		return MergeConflict
	case errors.Is(err, ErrSchemaMismatch), errors.Is(err, ErrTableNotFound):
		return MergeSchemaMismatch
	default:
		return MergeRejected
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRunFatal reports whether err aborts the whole run.
func IsRunFatal(err error) bool {
	var authErr *AuthError
	var srcErr *SourceFetchError
	return errors.As(err, &authErr) || errors.As(err, &srcErr)
}
