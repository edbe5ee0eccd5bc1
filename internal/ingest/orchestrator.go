package ingest

// orchestrator.go drives one ingestion run:
//
//  1. obtain a token, open the source, list the commit's changed files
//     (any failure here aborts the run)
//  2. keep the files with the tabular extension
//  3. per file: fetch → parse → stage → merge → drop staging
//
// A file's failure is recorded in its outcome and the run moves on. Only
// credential and source failures abort the run.

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// Orchestrator runs ingestion for commits.
type Orchestrator struct {
	opts       Options
	creds      CredentialProvider
	source     SourceOpener
	staging    *StagingManager
	reconciler *Reconciler
}

// NewOrchestrator wires the pipeline. All collaborators are injected so
// tests can substitute fakes.
func NewOrchestrator(opts Options, creds CredentialProvider, source SourceOpener, store Store) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		opts:       opts,
		creds:      creds,
		source:     source,
		staging:    NewStagingManager(store, opts.Target, opts.Timeouts),
		reconciler: NewReconciler(store, opts.Timeouts),
	}
}

// Run ingests every changed tabular file of commitRef. The returned report
// is never nil. The error is non-nil only when the run was aborted; use
// Report.Err to learn whether individual files failed.
func (o *Orchestrator) Run(ctx context.Context, commitRef string) (*Report, error) {
	start := time.Now()

	runID, ok := logging.RunIDFromContext(ctx)
	if !ok {
		runID = uuid.NewString()
		ctx = logging.WithRunID(ctx, runID)
	}

	report := &Report{RunID: runID, Commit: commitRef}
	defer func() { report.Duration = time.Since(start) }()

	log := logging.FromContext(ctx).With("commit", commitRef, "target", o.opts.Target.String())
	log.Info("ingestion run started")

	token, err := o.token(ctx)
	if err != nil {
		log.Error("could not obtain token", "error", err)
		return report, err
	}

	reader, err := o.open(ctx, token, commitRef)
	if err != nil {
		log.Error("could not open source", "error", err)
		return report, err
	}

	paths, err := o.list(ctx, reader, commitRef)
	if err != nil {
		log.Error("could not list changed files", "error", err)
		return report, err
	}

	files, ignored := selectFiles(paths, o.opts.FileExtension)
	report.Ignored = ignored
	if len(ignored) > 0 {
		log.Debug("ignoring changed files", "count", len(ignored), "extension", o.opts.FileExtension)
	}
	if len(files) == 0 {
		log.Info("no modified files to ingest", "extension", o.opts.FileExtension)
		return report, nil
	}

	report.Outcomes, err = o.processAll(ctx, reader, commitRef, files)
	for _, out := range report.Outcomes {
		if out.Status == StatusFailed {
			report.Failed++
		}
	}

	accepted, rejected := report.Totals()
	log.Info("ingestion run finished",
		"files", len(report.Outcomes),
		"failed", report.Failed,
		"records_accepted", accepted,
		"records_rejected", rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, err
}

func (o *Orchestrator) token(ctx context.Context) (BearerToken, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeouts.Auth)
	defer cancel()

	token, err := o.creds.Token(ctx)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return BearerToken{}, err
		}
		return BearerToken{}, &AuthError{Err: err}
	}
	return token, nil
}

func (o *Orchestrator) open(ctx context.Context, token BearerToken, commitRef string) (SourceReader, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeouts.Fetch)
	defer cancel()

	reader, err := o.source.Open(ctx, token)
	if err != nil {
		return nil, &SourceFetchError{Op: "open", Commit: commitRef, Err: err}
	}
	return reader, nil
}

func (o *Orchestrator) list(ctx context.Context, reader SourceReader, commitRef string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeouts.Fetch)
	defer cancel()

	paths, err := reader.ListChangedFiles(ctx, commitRef)
	if err != nil {
		return nil, &SourceFetchError{Op: "list", Commit: commitRef, Err: err}
	}
	return paths, nil
}

func (o *Orchestrator) fetch(ctx context.Context, reader SourceReader, file, commitRef string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeouts.Fetch)
	defer cancel()

	content, err := reader.FetchFileContent(ctx, file, commitRef)
	if err != nil {
		return nil, &SourceFetchError{Op: "fetch", Path: file, Commit: commitRef, Err: err}
	}
	return content, nil
}

// selectFiles splits paths into those with ext (case-insensitive) and the rest.
func selectFiles(paths []string, ext string) (files, ignored []string) {
	for _, p := range paths {
		if strings.EqualFold(path.Ext(p), ext) {
			files = append(files, p)
		} else {
			ignored = append(ignored, p)
		}
	}
	return files, ignored
}

// processAll runs the per-file pipeline over files, sequentially or with
// up to Concurrency files in flight. It stops at the first run-fatal error.
func (o *Orchestrator) processAll(ctx context.Context, reader SourceReader, commitRef string, files []string) ([]IngestionOutcome, error) {
	if o.opts.Concurrency <= 1 {
		outcomes := make([]IngestionOutcome, 0, len(files))
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return outcomes, err
			}
			out, fatal := o.processFile(ctx, reader, commitRef, f)
			outcomes = append(outcomes, out)
			if fatal != nil {
				return outcomes, fatal
			}
		}
		return outcomes, nil
	}

	results := make([]IngestionOutcome, len(files))
	started := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			started[i] = true
			out, fatal := o.processFile(gctx, reader, commitRef, f)
			results[i] = out
			return fatal
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	outcomes := make([]IngestionOutcome, 0, len(files))
	for i := range results {
		if started[i] {
			outcomes = append(outcomes, results[i])
		}
	}
	return outcomes, err
}

// processFile takes one file through the pipeline. The second return value
// is set only for run-fatal failures.
func (o *Orchestrator) processFile(ctx context.Context, reader SourceReader, commitRef, file string) (out IngestionOutcome, fatal error) {
	start := time.Now()
	log := logging.FromContext(ctx).With("file", file, "commit", commitRef)
	state := newFileState(log)

	out.File = file
	defer func() {
		out.State = state.current
		out.FailedAt = state.failedAt
		out.Duration = time.Since(start)
	}()

	fail := func(err error) {
		state.advance(StateFailed)
		out.Status = StatusFailed
		out.Err = err
		msg := Describe(err)
		log.Error("file failed", "code", msg.Code, "state", state.failedAt, "error", err)
	}

	content, err := o.fetch(ctx, reader, file, commitRef)
	if err != nil {
		fail(err)
		if IsRunFatal(err) {
			return out, err
		}
		return out, nil
	}

	parsed := Parse(content)
	records, dropped, dupRejected := resolveDuplicates(parsed.Records, parsed.Lines, o.opts.DuplicatePolicy)
	out.Rejected = append(parsed.Rejected, dupRejected...)
	out.RecordsAccepted = len(records)
	out.RecordsRejected = len(out.Rejected)
	out.DuplicatesDropped = dropped
	state.advance(StateParsed)

	if out.RecordsRejected > 0 {
		log.Info("rows rejected", "count", out.RecordsRejected)
		for _, r := range out.Rejected {
			log.Debug("row rejected", "line", r.LineNumber, "reason", r.Reason)
		}
	}
	if dropped > 0 {
		log.Info("duplicate ids collapsed", "dropped", dropped, "policy", o.opts.DuplicatePolicy)
	}

	if len(records) == 0 {
		state.advance(StateCleanedUp)
		out.Status = StatusSkipped
		log.Info("no valid rows, skipping file")
		return out, nil
	}

	area, err := o.staging.WithStagingArea(ctx, file, func(ctx context.Context, area *StagingArea) error {
		out.StagingTable = area.Table.String()

		if err := o.staging.Load(ctx, area, records); err != nil {
			return err
		}
		state.advance(StateStaged)

		res, err := o.reconciler.Merge(ctx, area, o.opts.Target)
		if err != nil {
			return err
		}
		out.RowsMerged = res.RowsAffected
		state.advance(StateMerged)
		return nil
	})
	if area != nil {
		out.CleanupErr = area.CleanupErr()
	}
	if err != nil {
		fail(err)
		if IsRunFatal(err) {
			return out, err
		}
		return out, nil
	}

	state.advance(StateCleanedUp)
	out.Status = StatusSuccess
	log.Info("file merged",
		"records", out.RecordsAccepted,
		"rows_merged", out.RowsMerged,
		"staging_table", out.StagingTable,
	)
	return out, nil
}

// String summarises an outcome for logs and errors.
func (o IngestionOutcome) String() string {
	s := fmt.Sprintf("%s: %s (accepted=%d rejected=%d)", o.File, o.Status, o.RecordsAccepted, o.RecordsRejected)
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}
