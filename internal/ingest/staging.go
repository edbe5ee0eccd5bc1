package ingest

// staging.go manages the per-file staging tables.
//
// A staging area lives for exactly one file's reconciliation. It is created
// beside the target with the target's schema, loaded, merged from, and then
// dropped. WithStagingArea is the only way the orchestrator uses it, so the
// drop happens on every exit path, including panics and cancellation.

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// StagingPrefix starts every staging table name.
const StagingPrefix = "staging_"

// StagingArea is a handle on one staging table.
type StagingArea struct {
	Table  TableRef
	Hint   string // Caller-supplied label for logs; never part of the name
	Schema Schema

	mu         sync.Mutex
	rows       int
	destroyed  bool
	cleanupErr error
}

// Rows returns the number of records loaded.
func (a *StagingArea) Rows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rows
}

// Columns returns the record columns the staging schema can hold, in load order.
func (a *StagingArea) Columns() []string {
	cols := make([]string, 0, len(recordColumns))
	for _, c := range recordColumns {
		if a.Schema.Has(c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// CleanupErr returns the error from the last destroy attempt, if any.
func (a *StagingArea) CleanupErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cleanupErr
}

// StagingManager creates, loads and destroys staging areas.
type StagingManager struct {
	store    Store
	target   TableRef
	timeouts Timeouts
	newName  func() string
}

// NewStagingManager returns a manager placing staging tables beside target.
func NewStagingManager(store Store, target TableRef, timeouts Timeouts) *StagingManager {
	return &StagingManager{
		store:    store,
		target:   target,
		timeouts: timeouts.withDefaults(),
		newName:  newStagingName,
	}
}

func newStagingName() string {
	id := uuid.New()
	return StagingPrefix + hex.EncodeToString(id[:])
}

// Create allocates a uniquely named staging table with the target's schema.
func (m *StagingManager) Create(ctx context.Context, scopeHint string) (*StagingArea, error) {
	table := m.target.Sibling(m.newName())

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Stage)
	defer cancel()

	schema, err := m.store.TableSchema(ctx, m.target)
	if err != nil {
		return nil, &StagingCreateError{Table: table, Err: fmt.Errorf("read target schema: %w", err)}
	}
	if err := checkTargetSchema(schema); err != nil {
		return nil, &StagingCreateError{Table: table, Err: err}
	}

	if err := m.store.CreateStagingTable(ctx, table, schema); err != nil {
		if isTimeout(err) {
			// The store may have created the table before the deadline hit.
			m.dropOrphan(ctx, table)
		}
		return nil, &StagingCreateError{Table: table, Err: err}
	}

	logging.FromContext(ctx).Debug("staging table created", "staging_table", table.String(), "hint", scopeHint)
	return &StagingArea{Table: table, Hint: scopeHint, Schema: schema}, nil
}

// Load bulk-inserts records into the staging area. Any refused row fails
// the load; the caller must not merge a partially loaded area.
func (m *StagingManager) Load(ctx context.Context, area *StagingArea, records []Record) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Stage)
	defer cancel()

	rejected, err := m.store.BulkInsert(ctx, area.Table, area.Columns(), records)
	if err != nil {
		return &StagingLoadError{Table: area.Table, Rejected: rejected, Err: err}
	}
	if len(rejected) > 0 {
		return &StagingLoadError{Table: area.Table, Rejected: rejected}
	}

	area.mu.Lock()
	area.rows = len(records)
	area.mu.Unlock()
	return nil
}

// Destroy drops the staging table. A missing table counts as success and
// once a drop succeeds later calls do nothing. The drop runs on a context
// detached from ctx's cancellation, bounded by the cleanup timeout.
func (m *StagingManager) Destroy(ctx context.Context, area *StagingArea) error {
	area.mu.Lock()
	defer area.mu.Unlock()

	if area.destroyed {
		return nil
	}

	dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeouts.Cleanup)
	defer cancel()

	if err := m.store.DropTable(dropCtx, area.Table); err != nil && !errors.Is(err, ErrTableNotFound) {
		area.cleanupErr = &CleanupError{Table: area.Table, Err: err}
		return area.cleanupErr
	}

	area.destroyed = true
	area.cleanupErr = nil
	logging.FromContext(ctx).Debug("staging table dropped", "staging_table", area.Table.String())
	return nil
}

// WithStagingArea creates a staging area, runs fn with it and destroys it
// whatever fn returns. The area is returned (nil if creation failed) so the
// caller can inspect CleanupErr; a cleanup failure never replaces fn's error.
func (m *StagingManager) WithStagingArea(ctx context.Context, scopeHint string, fn func(context.Context, *StagingArea) error) (area *StagingArea, err error) {
	area, err = m.Create(ctx, scopeHint)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := m.Destroy(ctx, area); cerr != nil {
			logging.FromContext(ctx).Warn("staging cleanup failed",
				"staging_table", area.Table.String(),
				"hint", scopeHint,
				"error", cerr,
			)
		}
	}()

	return area, fn(ctx, area)
}

func (m *StagingManager) dropOrphan(ctx context.Context, table TableRef) {
	dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeouts.Cleanup)
	defer cancel()
	if err := m.store.DropTable(dropCtx, table); err != nil && !errors.Is(err, ErrTableNotFound) {
		logging.FromContext(ctx).Warn("could not drop possibly orphaned staging table",
			"staging_table", table.String(),
			"error", err,
		)
	}
}

// checkTargetSchema verifies the target can receive records.
func checkTargetSchema(schema Schema) error {
	var missing []string
	for _, col := range []string{ColumnID, ColumnValue} {
		if !schema.Has(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: target lacks column(s) %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return nil
}
