package ingest

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Column names every target table must provide.
const (
	ColumnID    = "id"
	ColumnName  = "name"
	ColumnValue = "value"
)

// recordColumns lists the columns a Record carries, in load order.
var recordColumns = []string{ColumnID, ColumnName, ColumnValue}

// Record is one validated row ready for staging.
type Record struct {
	ID    int64       // Unique key
	Name  pgtype.Text // Optional; invalid means NULL
	Value int64
}

// Values returns the record's values for columns, in that order.
// Unknown column names yield nil.
func (r Record) Values(columns []string) []any {
	vals := make([]any, len(columns))
	for i, c := range columns {
		switch c {
		case ColumnID:
			vals[i] = r.ID
		case ColumnName:
			vals[i] = r.Name
		case ColumnValue:
			vals[i] = r.Value
		}
	}
	return vals
}

// RejectedRow describes a data row the parser excluded.
type RejectedRow struct {
	LineNumber int      // 1-based line in the source file
	Reason     string   // Why the row was excluded
	Data       []string // Raw cells, when available
}

// RowError is a row the store refused during bulk insert.
type RowError struct {
	Index  int // Position in the loaded batch
	Record Record
	Reason string
}

// TableRef identifies a table in the store.
// Project maps to the database (catalog), Dataset to the schema.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// PgIdentifier returns the qualified name parts, skipping empty ones.
func (t TableRef) PgIdentifier() pgx.Identifier {
	parts := make(pgx.Identifier, 0, 3)
	if t.Project != "" {
		parts = append(parts, t.Project)
	}
	if t.Dataset != "" {
		parts = append(parts, t.Dataset)
	}
	return append(parts, t.Table)
}

// Identifier returns the quoted, fully qualified table name.
func (t TableRef) Identifier() string {
	return t.PgIdentifier().Sanitize()
}

// Sibling returns a reference to another table in the same project and dataset.
func (t TableRef) Sibling(table string) TableRef {
	return TableRef{Project: t.Project, Dataset: t.Dataset, Table: table}
}

func (t TableRef) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Project, t.Dataset, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Column describes one column of a table schema.
type Column struct {
	Name     string
	Type     string // Store type name, e.g. "bigint" or "character varying(64)"
	Nullable bool
}

// Schema is the ordered column list of a table.
type Schema struct {
	Columns []Column
}

// Has reports whether the schema contains the named column (case-insensitive).
func (s Schema) Has(name string) bool {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// ColumnNames returns column names in schema order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// BearerToken is an opaque credential presented on authenticated requests.
type BearerToken struct {
	Value     string
	ExpiresAt time.Time // Zero if unknown
}

// Expired reports whether the token expires within skew of now.
func (t BearerToken) Expired(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

// String masks the token so it never lands in logs.
func (t BearerToken) String() string {
	if t.Value == "" {
		return "<none>"
	}
	return "<redacted>"
}

// MergeResult reports what a merge did.
type MergeResult struct {
	RowsAffected int64
}

// Status is the final disposition of one changed file.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// DuplicatePolicy decides what happens to repeated ids inside one batch.
type DuplicatePolicy string

const (
	// DuplicatesLastWins keeps the last occurrence of each id.
	DuplicatesLastWins DuplicatePolicy = "last_wins"
	// DuplicatesReject rejects every row whose id occurs more than once.
	DuplicatesReject DuplicatePolicy = "reject"
)

// IngestionOutcome is the result of processing one changed file.
type IngestionOutcome struct {
	File              string
	RecordsAccepted   int
	RecordsRejected   int
	DuplicatesDropped int
	RowsMerged        int64
	Status            Status
	State             State // Last state reached
	FailedAt          State // State in which the failure happened; empty on success
	Err               error
	CleanupErr        error
	StagingTable      string
	Rejected          []RejectedRow
	Duration          time.Duration
}

// Report aggregates the outcomes of one ingestion run.
type Report struct {
	RunID    string
	Commit   string
	Outcomes []IngestionOutcome
	Ignored  []string // Changed paths without the tabular extension
	Failed   int
	Duration time.Duration
}

// Err returns ErrFilesFailed if any file failed, nil otherwise.
func (r *Report) Err() error {
	if r == nil || r.Failed == 0 {
		return nil
	}
	return ErrFilesFailed
}

// Totals sums accepted and rejected records across every file.
func (r *Report) Totals() (accepted, rejected int) {
	for _, o := range r.Outcomes {
		accepted += o.RecordsAccepted
		rejected += o.RecordsRejected
	}
	return accepted, rejected
}
