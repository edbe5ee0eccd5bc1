// Package report turns an ingestion report into a summary for operators,
// rendered as a pterm table or as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
)

// Run-level status values.
const (
	StatusSuccess = "success" // Every file merged or skipped
	StatusFailed  = "failed"  // At least one file failed
	StatusAborted = "aborted" // The run stopped before finishing
)

// Rejection is one excluded row.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// File summarises one file's outcome.
type File struct {
	Path              string              `json:"path"`
	Status            ingest.Status       `json:"status"`
	State             ingest.State        `json:"state"`
	FailedAt          ingest.State        `json:"failed_at,omitempty"`
	Accepted          int                 `json:"records_accepted"`
	Rejected          int                 `json:"records_rejected"`
	DuplicatesDropped int                 `json:"duplicates_dropped,omitempty"`
	RowsMerged        int64               `json:"rows_merged"`
	StagingTable      string              `json:"staging_table,omitempty"`
	Error             *ingest.UserMessage `json:"error,omitempty"`
	Detail            string              `json:"detail,omitempty"`
	CleanupError      string              `json:"cleanup_error,omitempty"`
	Rejections        []Rejection         `json:"rejections,omitempty"`
	DurationMS        int64               `json:"duration_ms"`
}

// Summary is the operator-facing view of one run.
type Summary struct {
	RunID      string              `json:"run_id"`
	Commit     string              `json:"commit"`
	Status     string              `json:"status"`
	Files      []File              `json:"files"`
	Ignored    []string            `json:"ignored,omitempty"`
	Accepted   int                 `json:"records_accepted"`
	Rejected   int                 `json:"records_rejected"`
	Failed     int                 `json:"files_failed"`
	Error      *ingest.UserMessage `json:"error,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

// Summarize builds a Summary from the result of Orchestrator.Run.
// rep may be nil when the run never started.
func Summarize(rep *ingest.Report, runErr error) Summary {
	s := Summary{Status: StatusSuccess, Files: []File{}}
	if rep != nil {
		s.RunID = rep.RunID
		s.Commit = rep.Commit
		s.Ignored = rep.Ignored
		s.Failed = rep.Failed
		s.Accepted, s.Rejected = rep.Totals()
		s.DurationMS = rep.Duration.Milliseconds()
		for _, o := range rep.Outcomes {
			s.Files = append(s.Files, summarizeFile(o))
		}
	}

	switch {
	case runErr != nil:
		s.Status = StatusAborted
		msg := ingest.Describe(runErr)
		s.Error = &msg
		s.Detail = runErr.Error()
	case s.Failed > 0:
		s.Status = StatusFailed
	}
	return s
}

func summarizeFile(o ingest.IngestionOutcome) File {
	f := File{
		Path:              o.File,
		Status:            o.Status,
		State:             o.State,
		FailedAt:          o.FailedAt,
		Accepted:          o.RecordsAccepted,
		Rejected:          o.RecordsRejected,
		DuplicatesDropped: o.DuplicatesDropped,
		RowsMerged:        o.RowsMerged,
		StagingTable:      o.StagingTable,
		DurationMS:        o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		msg := ingest.Describe(o.Err)
		f.Error = &msg
		f.Detail = o.Err.Error()
	}
	if o.CleanupErr != nil {
		f.CleanupError = o.CleanupErr.Error()
	}
	for _, r := range o.Rejected {
		f.Rejections = append(f.Rejections, Rejection{Line: r.LineNumber, Reason: r.Reason})
	}
	return f
}

// OK reports whether the run finished without any failed file.
func (s Summary) OK() bool {
	return s.Status == StatusSuccess
}

// WriteJSON writes s as indented JSON.
func WriteJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteText renders s as a per-file table followed by totals and any
// rejected rows.
func WriteText(w io.Writer, s Summary) error {
	fmt.Fprintf(w, "Run %s  commit %s  status %s\n\n", s.RunID, s.Commit, s.Status)

	if len(s.Files) > 0 {
		data := pterm.TableData{{"File", "Status", "Accepted", "Rejected", "Merged", "Detail"}}
		for _, f := range s.Files {
			data = append(data, []string{
				f.Path,
				string(f.Status),
				strconv.Itoa(f.Accepted),
				strconv.Itoa(f.Rejected),
				strconv.FormatInt(f.RowsMerged, 10),
				fileDetail(f),
			})
		}
		table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
		if err != nil {
			return fmt.Errorf("render table: %w", err)
		}
		fmt.Fprintln(w, table)
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "No modified files to ingest.")
	}

	fmt.Fprintf(w, "Files: %d  failed: %d  records accepted: %d  rejected: %d  ignored: %d  (%dms)\n",
		len(s.Files), s.Failed, s.Accepted, s.Rejected, len(s.Ignored), s.DurationMS)

	if s.Error != nil {
		fmt.Fprintf(w, "\nRun aborted [%s]: %s\n  %s\n", s.Error.Code, s.Error.Message, s.Error.Action)
	}

	for _, f := range s.Files {
		if len(f.Rejections) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nRejected rows in %s:\n", f.Path)
		for _, r := range f.Rejections {
			if r.Line > 0 {
				fmt.Fprintf(w, "  line %d: %s\n", r.Line, r.Reason)
			} else {
				fmt.Fprintf(w, "  %s\n", r.Reason)
			}
		}
	}
	return nil
}

func fileDetail(f File) string {
	switch {
	case f.Error != nil:
		return fmt.Sprintf("[%s] %s (at %s)", f.Error.Code, f.Error.Message, f.FailedAt)
	case f.CleanupError != "":
		return "staging cleanup failed: " + f.CleanupError
	case f.Status == ingest.StatusSkipped:
		return "no valid rows"
	}
	return ""
}
