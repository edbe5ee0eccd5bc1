package ingest

// # Error Codes Reference
//
// Every failure surfaced in a report or an HTTP response carries a code that
// operators can look up here.
//
// # Run errors (AUTH, SRC)
//
//	AUTH001 - Credential exchange failed
//	          Action: Check the app id, installation id and private key
//	AUTH002 - Credential exchange timed out
//	          Action: Retry; check connectivity to the source-control API
//	SRC001  - Could not open the repository
//	          Action: Check the repository name and token permissions
//	SRC002  - Could not list changed files
//	          Action: Verify the commit exists in the repository
//	SRC003  - Could not fetch a file
//	          Action: Verify the file exists at the commit and is under the size limit
//	SRC004  - Source request timed out
//	          Action: Retry, or raise INGEST_FETCH_TIMEOUT
//
// # File errors (STG, MRG)
//
//	STG001 - Staging table could not be created
//	         Action: Check store permissions and quota
//	STG002 - Store rejected rows during staging
//	         Action: Download the rejected rows and fix their values
//	STG003 - Staging load failed
//	         Action: Retry; check store connectivity
//	MRG001 - Merge statement rejected
//	         Action: Check the store logs for the statement error
//	MRG002 - Target schema does not match the staged columns
//	         Action: Ensure the target has id, name and value columns of compatible types
//	MRG003 - Concurrent modification conflict
//	         Action: Retry the run; another writer touched the same rows
//	MRG004 - Merge timed out
//	         Action: Retry, or raise INGEST_MERGE_TIMEOUT
//
// # Cleanup (CLN)
//
//	CLN001 - Staging table could not be dropped
//	         Action: Drop the table named in the log manually
//
// # Fallback
//
// Errors without a typed cause are matched case-insensitively against the
// patterns below; the first match wins. ERR000 is used when nothing matches.

import (
	"errors"
	"strings"
)

// UserMessage provides operator-facing error information with guidance.
type UserMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Code:    "ERR001",
			Message: "Operation timed out",
			Action:  "Retry the run",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Code:    "ERR002",
			Message: "Run was cancelled",
			Action:  "Start a new run when ready",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Code:    "ERR003",
			Message: "Unable to connect to the store",
			Action:  "Please try again in a few moments",
		},
	},
	{
		pattern: "too many concurrent runs",
		msg: UserMessage{
			Code:    "ERR004",
			Message: "Too many ingestion runs in progress",
			Action:  "Please wait a moment and try again",
		},
	},
}

var defaultMessage = UserMessage{
	Code:    "ERR000",
	Message: "An unexpected error occurred",
	Action:  "Check the application logs for details",
}

// Describe maps err to a UserMessage. It returns the zero value for nil.
func Describe(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		authErr    *AuthError
		srcErr     *SourceFetchError
		createErr  *StagingCreateError
		loadErr    *StagingLoadError
		mergeErr   *MergeError
		cleanupErr *CleanupError
	)

	switch {
	case errors.As(err, &authErr):
		if authErr.Timeout() {
			return UserMessage{"AUTH002", "Credential exchange timed out", "Retry; check connectivity to the source-control API"}
		}
		return UserMessage{"AUTH001", "Credential exchange failed", "Check the app id, installation id and private key"}

	case errors.As(err, &srcErr):
		if srcErr.Timeout() {
			return UserMessage{"SRC004", "Source request timed out", "Retry, or raise INGEST_FETCH_TIMEOUT"}
		}
		switch srcErr.Op {
		case "open":
			return UserMessage{"SRC001", "Could not open the repository", "Check the repository name and token permissions"}
		case "fetch":
			return UserMessage{"SRC003", "Could not fetch a file", "Verify the file exists at the commit and is under the size limit"}
		default:
			return UserMessage{"SRC002", "Could not list changed files", "Verify the commit exists in the repository"}
		}

	case errors.As(err, &createErr):
		return UserMessage{"STG001", "Staging table could not be created", "Check store permissions and quota"}

	case errors.As(err, &loadErr):
		if loadErr.Err == nil {
			return UserMessage{"STG002", "Store rejected rows during staging", "Download the rejected rows and fix their values"}
		}
		return UserMessage{"STG003", "Staging load failed", "Retry; check store connectivity"}

	case errors.As(err, &mergeErr):
		switch mergeErr.Kind {
		case MergeSchemaMismatch:
			return UserMessage{"MRG002", "Target schema does not match the staged columns", "Ensure the target has id, name and value columns of compatible types"}
		case MergeConflict:
			return UserMessage{"MRG003", "Concurrent modification conflict", "Retry the run; another writer touched the same rows"}
		case MergeTimeout:
			return UserMessage{"MRG004", "Merge timed out", "Retry, or raise INGEST_MERGE_TIMEOUT"}
		default:
			return UserMessage{"MRG001", "Merge statement rejected", "Check the store logs for the statement error"}
		}

	case errors.As(err, &cleanupErr):
		return UserMessage{"CLN001", "Staging table could not be dropped", "Drop the table named in the log manually"}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.pattern) {
			return p.msg
		}
	}
	return defaultMessage
}
