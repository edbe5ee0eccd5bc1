package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/report"
	"github.com/JonMunkholm/csvmerge/internal/web"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		commit string
		output string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest the CSV files changed by one commit",
		Long: `Ingest the CSV files added or modified by a commit.

Each file is parsed, its valid rows are loaded into a fresh staging table
and merged into the target by id. Malformed rows are reported and skipped.
A failing file does not stop the others.

Exit status is 0 when every file merged or was skipped, 2 when at least one
file failed, and 1 when the run was aborted (credentials, repository access,
configuration).

Examples:
  csvmerge ingest --commit 3f2a1c9
  COMMIT_SHA=3f2a1c9 csvmerge ingest --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if commit == "" {
				commit = a.cfg.Source.Commit
			}
			if commit == "" {
				return fmt.Errorf("missing commit: pass --commit or set SOURCE_COMMIT")
			}
			if output != "text" && output != "json" {
				return fmt.Errorf("invalid --output %q: must be text or json", output)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer p.close()

			return runIngest(ctx, p.orchestrator, commit, output, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&commit, "commit", "", "Commit SHA or ref to ingest (default: SOURCE_COMMIT)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Report format: text or json")
	return cmd
}

// runIngest runs one commit, writes the report and turns the outcome into
// an exit status.
func runIngest(ctx context.Context, runner web.Runner, commit, output string, w io.Writer) error {
	rep, runErr := runner.Run(ctx, commit)
	summary := report.Summarize(rep, runErr)

	var err error
	if output == "json" {
		err = report.WriteJSON(w, summary)
	} else {
		err = report.WriteText(w, summary)
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if runErr != nil {
		return exitError{code: exitCodeAborted, msg: "run aborted: " + runErr.Error(), err: runErr}
	}
	if summary.OK() {
		return nil
	}
	return filesFailedError(summary.Failed, rep.Err())
}
