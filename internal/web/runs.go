package web

// runs.go tracks ingestion runs started over HTTP.
//
// A trigger first takes a slot from the RunLimiter (waiting up to its
// configured time), then the run executes in the background, detached from
// the request's cancellation but bounded by the run timeout. Finished runs
// stay queryable until the history bound evicts them, oldest first.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/logging"
	"github.com/JonMunkholm/csvmerge/internal/report"
)

// Runner executes one ingestion run. *ingest.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, commitRef string) (*ingest.Report, error)
}

// RunState is the lifecycle state of a tracked run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"  // Finished with at least one failed file
	RunAborted   RunState = "aborted" // Stopped before processing every file
)

// Run is a snapshot of a tracked run.
type Run struct {
	ID         string          `json:"id"`
	Commit     string          `json:"commit"`
	Trigger    string          `json:"trigger"`
	State      RunState        `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Summary    *report.Summary `json:"summary,omitempty"`
}

// Runs starts ingestion runs and remembers their results.
type Runs struct {
	runner  Runner
	limiter *ingest.RunLimiter
	timeout time.Duration
	history int

	mu    sync.Mutex
	byID  map[string]*Run
	order []string // Oldest first
}

// NewRuns returns a tracker that keeps at most history runs.
func NewRuns(runner Runner, limiter *ingest.RunLimiter, timeout time.Duration, history int) *Runs {
	if history <= 0 {
		history = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Runs{
		runner:  runner,
		limiter: limiter,
		timeout: timeout,
		history: history,
		byID:    make(map[string]*Run),
	}
}

// Start begins a run for commit. It blocks only while waiting for a run
// slot and returns ingest.ErrTooManyRuns when none frees up in time.
func (rs *Runs) Start(ctx context.Context, commit, trigger string) (Run, error) {
	if err := rs.limiter.Acquire(ctx); err != nil {
		return Run{}, err
	}

	run := &Run{
		ID:        uuid.NewString(),
		Commit:    commit,
		Trigger:   trigger,
		State:     RunRunning,
		StartedAt: time.Now(),
	}
	rs.add(run)

	// Keep the request's values (request id) but not its deadline.
	runCtx := logging.WithRunID(context.WithoutCancel(ctx), run.ID)
	runCtx, cancel := context.WithTimeout(runCtx, rs.timeout)

	go func() {
		defer rs.limiter.Release()
		defer cancel()
		rs.execute(runCtx, run.ID, commit)
	}()

	logging.FromContext(runCtx).Info("run started", "commit", commit, "trigger", trigger)
	return rs.snapshot(run), nil
}

func (rs *Runs) execute(ctx context.Context, id, commit string) {
	var (
		rep *ingest.Report
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
			logging.FromContext(ctx).Error("run panicked", "panic", p)
		}
		summary := report.Summarize(rep, err)
		if summary.RunID == "" {
			summary.RunID = id
			summary.Commit = commit
		}
		rs.finish(id, summary)
	}()

	rep, err = rs.runner.Run(ctx, commit)
}

func (rs *Runs) add(run *Run) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.byID[run.ID] = run
	rs.order = append(rs.order, run.ID)
	rs.evictLocked()
}

// evictLocked drops the oldest finished runs beyond the history bound.
// Running runs are never evicted.
func (rs *Runs) evictLocked() {
	excess := len(rs.order) - rs.history
	if excess <= 0 {
		return
	}
	kept := rs.order[:0]
	for _, id := range rs.order {
		if excess > 0 && rs.byID[id].State != RunRunning {
			delete(rs.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	rs.order = kept
}

func (rs *Runs) finish(id string, summary report.Summary) {
	now := time.Now()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	run, ok := rs.byID[id]
	if !ok {
		return
	}
	run.FinishedAt = &now
	run.Summary = &summary
	switch summary.Status {
	case report.StatusSuccess:
		run.State = RunSucceeded
	case report.StatusFailed:
		run.State = RunFailed
	default:
		run.State = RunAborted
	}
	rs.evictLocked()

	slog.Info("run finished",
		"run_id", id,
		"state", run.State,
		"files", len(summary.Files),
		"files_failed", summary.Failed,
		"duration_ms", now.Sub(run.StartedAt).Milliseconds(),
	)
}

// Get returns the run with id.
func (rs *Runs) Get(id string) (Run, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	run, ok := rs.byID[id]
	if !ok {
		return Run{}, false
	}
	return rs.snapshotLocked(run), true
}

// List returns tracked runs, newest first.
func (rs *Runs) List() []Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]Run, 0, len(rs.order))
	for i := len(rs.order) - 1; i >= 0; i-- {
		out = append(out, rs.snapshotLocked(rs.byID[rs.order[i]]))
	}
	return out
}

// Status reports run slot usage.
func (rs *Runs) Status() ingest.RunLimiterStatus {
	return rs.limiter.Status()
}

// WaitForDrain blocks until every in-flight run has finished or ctx ends.
func (rs *Runs) WaitForDrain(ctx context.Context) error {
	return rs.limiter.WaitForDrain(ctx)
}

func (rs *Runs) snapshot(run *Run) Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snapshotLocked(run)
}

func (rs *Runs) snapshotLocked(run *Run) Run {
	cp := *run
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}
