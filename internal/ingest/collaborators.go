package ingest

import "context"

// CredentialProvider obtains the bearer token used against the source.
type CredentialProvider interface {
	Token(ctx context.Context) (BearerToken, error)
}

// SourceOpener connects to the source-control system with a token.
type SourceOpener interface {
	Open(ctx context.Context, token BearerToken) (SourceReader, error)
}

// SourceReader reads changed files from a commit.
type SourceReader interface {
	// ListChangedFiles returns the paths added or modified by commitRef.
	ListChangedFiles(ctx context.Context, commitRef string) ([]string, error)
	// FetchFileContent returns the file at path as of commitRef.
	FetchFileContent(ctx context.Context, path, commitRef string) ([]byte, error)
}

// Store is the transactional analytical store holding the target table.
//
// Implementations wrap ErrTableNotFound, ErrConflict, ErrSchemaMismatch and
// ErrDuplicateKeys so callers can classify failures with errors.Is.
type Store interface {
	TableSchema(ctx context.Context, table TableRef) (Schema, error)
	CreateStagingTable(ctx context.Context, table TableRef, schema Schema) error
	// BulkInsert loads the given columns of records and returns the rows the
	// store refused. A non-nil error means the load failed as a whole.
	BulkInsert(ctx context.Context, table TableRef, columns []string, records []Record) ([]RowError, error)
	RunMerge(ctx context.Context, stmt MergeStatement) (MergeResult, error)
	// DropTable removes the table; a missing table is not an error.
	DropTable(ctx context.Context, table TableRef) error
}
