package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// MergeStrategy selects the SQL form of the upsert.
type MergeStrategy string

const (
	// StrategyMerge renders a MERGE statement (PostgreSQL 15+).
	StrategyMerge MergeStrategy = "merge"
	// StrategyOnConflict renders INSERT ... ON CONFLICT; the target needs a
	// unique constraint on the key column.
	StrategyOnConflict MergeStrategy = "on_conflict"
)

// MergeStatement describes one upsert from a staging table into a target.
type MergeStatement struct {
	Target  TableRef
	Staging TableRef
	Key     string
	Update  []string // Non-key columns overwritten on match
	Insert  []string // Columns written for new keys, key included
}

// SQL renders the statement for strategy.
func (s MergeStatement) SQL(strategy MergeStrategy) string {
	if strategy == StrategyOnConflict {
		return s.onConflictSQL()
	}
	return s.mergeSQL()
}

func (s MergeStatement) mergeSQL() string {
	key := quote(s.Key)

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t\nUSING %s AS s\nON t.%s = s.%s\n",
		s.Target.Identifier(), s.Staging.Identifier(), key, key)

	if len(s.Update) > 0 {
		sets := make([]string, len(s.Update))
		for i, c := range s.Update {
			sets[i] = fmt.Sprintf("%s = s.%s", quote(c), quote(c))
		}
		fmt.Fprintf(&b, "WHEN MATCHED THEN\n  UPDATE SET %s\n", strings.Join(sets, ", "))
	}

	cols := quoteAll(s.Insert)
	vals := make([]string, len(s.Insert))
	for i, c := range s.Insert {
		vals[i] = "s." + quote(c)
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN\n  INSERT (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(vals, ", "))
	return b.String()
}

func (s MergeStatement) onConflictSQL() string {
	cols := strings.Join(quoteAll(s.Insert), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\nSELECT %s FROM %s\nON CONFLICT (%s) ",
		s.Target.Identifier(), cols, cols, s.Staging.Identifier(), quote(s.Key))

	if len(s.Update) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}
	sets := make([]string, len(s.Update))
	for i, c := range s.Update {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c))
	}
	fmt.Fprintf(&b, "DO UPDATE SET %s", strings.Join(sets, ", "))
	return b.String()
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// Reconciler merges staging areas into the target table.
type Reconciler struct {
	store    Store
	timeouts Timeouts
}

// NewReconciler returns a Reconciler using store.
func NewReconciler(store Store, timeouts Timeouts) *Reconciler {
	return &Reconciler{store: store, timeouts: timeouts.withDefaults()}
}

// Statement builds the upsert for area into target. Only columns that
// exist in the staging schema and that records carry take part; other
// target columns keep their value on update and their default on insert.
func (r *Reconciler) Statement(area *StagingArea, target TableRef) MergeStatement {
	stmt := MergeStatement{Target: target, Staging: area.Table, Key: ColumnID}
	for _, col := range area.Columns() {
		stmt.Insert = append(stmt.Insert, col)
		if col != ColumnID {
			stmt.Update = append(stmt.Update, col)
		}
	}
	return stmt
}

// Merge runs one atomic upsert keyed on id from area into target.
// The store's transaction provides atomicity and isolation; no lock is taken here.
func (r *Reconciler) Merge(ctx context.Context, area *StagingArea, target TableRef) (MergeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeouts.Merge)
	defer cancel()

	stmt := r.Statement(area, target)
	res, err := r.store.RunMerge(ctx, stmt)
	if err != nil {
		return MergeResult{}, &MergeError{
			Kind:    classifyMerge(err),
			Target:  target,
			Staging: area.Table,
			Err:     err,
		}
	}

	logging.FromContext(ctx).Debug("merge complete",
		"staging_table", area.Table.String(),
		"target", target.String(),
		"rows_affected", res.RowsAffected,
	)
	return res, nil
}
