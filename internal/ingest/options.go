package ingest

import "time"

// Default collaborator timeouts.
const (
	DefaultAuthTimeout    = 30 * time.Second
	DefaultFetchTimeout   = 2 * time.Minute
	DefaultStageTimeout   = 2 * time.Minute
	DefaultMergeTimeout   = 5 * time.Minute
	DefaultCleanupTimeout = 30 * time.Second
)

// Timeouts bounds every call to an external collaborator.
type Timeouts struct {
	Auth    time.Duration // Token exchange
	Fetch   time.Duration // Open, list and per-file fetch
	Stage   time.Duration // Staging create and load
	Merge   time.Duration
	Cleanup time.Duration // Staging drop, detached from run cancellation
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Auth <= 0 {
		t.Auth = DefaultAuthTimeout
	}
	if t.Fetch <= 0 {
		t.Fetch = DefaultFetchTimeout
	}
	if t.Stage <= 0 {
		t.Stage = DefaultStageTimeout
	}
	if t.Merge <= 0 {
		t.Merge = DefaultMergeTimeout
	}
	if t.Cleanup <= 0 {
		t.Cleanup = DefaultCleanupTimeout
	}
	return t
}

// Options configures an Orchestrator.
type Options struct {
	Target          TableRef
	FileExtension   string // Defaults to ".csv"
	Concurrency     int    // Files processed in parallel; <= 1 means sequential
	DuplicatePolicy DuplicatePolicy
	Timeouts        Timeouts
}

func (o Options) withDefaults() Options {
	if o.FileExtension == "" {
		o.FileExtension = ".csv"
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.DuplicatePolicy == "" {
		o.DuplicatePolicy = DuplicatesLastWins
	}
	o.Timeouts = o.Timeouts.withDefaults()
	return o
}
