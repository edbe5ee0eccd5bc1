// Package pgstore implements ingest.Store on PostgreSQL with pgx.
//
// Staging tables are UNLOGGED copies of the target's columns, filled with
// COPY and merged with a single MERGE (or INSERT ... ON CONFLICT) inside a
// transaction. PostgreSQL errors are mapped onto the ingest sentinels so the
// pipeline can classify them.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// ErrCatalogMismatch reports a target project that is not the connected
// database. PostgreSQL cannot reach tables in another database.
var ErrCatalogMismatch = errors.New("target project is not the connected database")

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a PostgreSQL-backed ingest.Store.
type Store struct {
	db       DB
	strategy ingest.MergeStrategy
}

// New returns a Store rendering merges with strategy.
func New(db DB, strategy ingest.MergeStrategy) *Store {
	if strategy == "" {
		strategy = ingest.StrategyMerge
	}
	return &Store{db: db, strategy: strategy}
}

// Connect opens a pool configured from cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// CheckCatalog verifies that target.Project, when set, names the database
// the store is connected to.
func (s *Store) CheckCatalog(ctx context.Context, target ingest.TableRef) error {
	if target.Project == "" {
		return nil
	}
	rows, err := s.db.Query(ctx, "SELECT current_database()")
	if err != nil {
		return fmt.Errorf("read current database: %w", err)
	}
	current, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("read current database: %w", err)
	}
	return checkCatalog(target.Project, current)
}

func checkCatalog(project, current string) error {
	if project == "" || project == current {
		return nil
	}
	return fmt.Errorf("%w: TARGET_PROJECT is %q but DATABASE_URL connects to %q; unset TARGET_PROJECT or point DATABASE_URL at that database",
		ErrCatalogMismatch, project, current)
}

const schemaQuery = `
SELECT a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = COALESCE(NULLIF($1, ''), current_schema())
  AND c.relname = $2
  AND c.relkind IN ('r', 'p', 'u')
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum`

// TableSchema reads the table's columns from the catalog.
func (s *Store) TableSchema(ctx context.Context, table ingest.TableRef) (ingest.Schema, error) {
	rows, err := s.db.Query(ctx, schemaQuery, table.Dataset, table.Table)
	if err != nil {
		return ingest.Schema{}, mapError(err)
	}

	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ingest.Column, error) {
		var c ingest.Column
		err := row.Scan(&c.Name, &c.Type, &c.Nullable)
		return c, err
	})
	if err != nil {
		return ingest.Schema{}, mapError(err)
	}
	if len(cols) == 0 {
		return ingest.Schema{}, fmt.Errorf("%s: %w", table, ingest.ErrTableNotFound)
	}
	return ingest.Schema{Columns: cols}, nil
}

// CreateStagingTable creates an UNLOGGED table with schema's columns.
func (s *Store) CreateStagingTable(ctx context.Context, table ingest.TableRef, schema ingest.Schema) error {
	if _, err := s.db.Exec(ctx, createTableSQL(table, schema)); err != nil {
		return mapError(err)
	}
	return nil
}

// createTableSQL renders the staging DDL. Only record columns keep NOT NULL;
// the others are never loaded and take the target's defaults on insert.
func createTableSQL(table ingest.TableRef, schema ingest.Schema) string {
	defs := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		def := pgx.Identifier{c.Name}.Sanitize() + " " + c.Type
		if !c.Nullable && isRecordColumn(c.Name) {
			def += " NOT NULL"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)", table.Identifier(), strings.Join(defs, ", "))
}

func isRecordColumn(name string) bool {
	switch strings.ToLower(name) {
	case ingest.ColumnID, ingest.ColumnName, ingest.ColumnValue:
		return true
	}
	return false
}

// BulkInsert loads records with COPY. When COPY fails on bad data the batch
// is replayed row by row under savepoints to find every refused row; the
// refused rows are returned and nothing is kept.
func (s *Store) BulkInsert(ctx context.Context, table ingest.TableRef, columns []string, records []ingest.Record) ([]ingest.RowError, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.CopyFrom(ctx, table.PgIdentifier(), columns, pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		return records[i].Values(columns), nil
	}))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, mapError(err)
		}
		return nil, nil
	}
	if !isDataError(err) {
		return nil, mapError(err)
	}

	logging.FromContext(ctx).Debug("copy refused batch, locating bad rows",
		"staging_table", table.String(),
		"error", err,
	)
	_ = tx.Rollback(ctx)
	return s.insertRowByRow(ctx, table, columns, records)
}

func (s *Store) insertRowByRow(ctx context.Context, table ingest.TableRef, columns []string, records []ingest.Record) ([]ingest.RowError, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sql := insertSQL(table, columns)
	var rejected []ingest.RowError
	for i, rec := range records {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		if _, err := sp.Exec(ctx, sql, rec.Values(columns)...); err != nil {
			if !isDataError(err) {
				return nil, mapError(err)
			}
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return nil, mapError(rbErr)
			}
			rejected = append(rejected, ingest.RowError{Index: i, Record: rec, Reason: reason(err)})
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, mapError(err)
		}
	}

	if len(rejected) > 0 {
		return rejected, nil
	}
	// COPY refused the batch but every row went in on its own.
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return nil, nil
}

func insertSQL(table ingest.TableRef, columns []string) string {
	cols := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Identifier(), strings.Join(cols, ", "), strings.Join(params, ", "))
}

// RunMerge executes stmt in its own transaction.
func (s *Store) RunMerge(ctx context.Context, stmt ingest.MergeStatement) (ingest.MergeResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ingest.MergeResult{}, mapError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, stmt.SQL(s.strategy))
	if err != nil {
		return ingest.MergeResult{}, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ingest.MergeResult{}, mapError(err)
	}
	return ingest.MergeResult{RowsAffected: tag.RowsAffected()}, nil
}

// DropTable drops table if it exists.
func (s *Store) DropTable(ctx context.Context, table ingest.TableRef) error {
	if _, err := s.db.Exec(ctx, "DROP TABLE IF EXISTS "+table.Identifier()); err != nil {
		return mapError(err)
	}
	return nil
}

// SQLSTATE codes the store classifies.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeCardinalityViolation = "21000"
	codeUndefinedTable       = "42P01"
	codeUndefinedColumn      = "42703"
	codeDatatypeMismatch     = "42804"
	codeCannotCoerce         = "42846"
	codeInvalidSchemaName    = "3F000"
)

// mapError wraps PostgreSQL errors with the matching ingest sentinel while
// keeping the original error in the chain.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	var sentinel error
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		sentinel = ingest.ErrConflict
	case codeCardinalityViolation:
		sentinel = ingest.ErrDuplicateKeys
	case codeUndefinedTable, codeInvalidSchemaName:
		sentinel = ingest.ErrTableNotFound
	case codeUndefinedColumn, codeDatatypeMismatch, codeCannotCoerce:
		sentinel = ingest.ErrSchemaMismatch
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// isDataError reports whether err is a per-row data problem (SQLSTATE
// classes 22 and 23) rather than a failure of the whole statement.
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	class := pgErr.Code[:2]
	return class == "22" || class == "23"
}

func reason(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Detail != "" {
			return pgErr.Message + ": " + pgErr.Detail
		}
		return pgErr.Message
	}
	return err.Error()
}
