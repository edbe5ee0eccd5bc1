package ingest

import (
	"fmt"
	"log/slog"
)

// State is a step of the per-file pipeline.
type State string

const (
	StateDiscovered State = "discovered"
	StateParsed     State = "parsed"
	StateStaged     State = "staged"
	StateMerged     State = "merged"
	StateCleanedUp  State = "cleaned_up"
	StateFailed     State = "failed"
)

// transitions lists the legal moves. Failed has none: it is absorbing.
var transitions = map[State][]State{
	StateDiscovered: {StateParsed, StateFailed},
	StateParsed:     {StateStaged, StateCleanedUp, StateFailed},
	StateStaged:     {StateMerged, StateFailed},
	StateMerged:     {StateCleanedUp},
}

// CanTransition reports whether a file may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// fileState tracks one file through the pipeline.
type fileState struct {
	current  State
	failedAt State
	log      *slog.Logger
}

func newFileState(log *slog.Logger) *fileState {
	return &fileState{current: StateDiscovered, log: log}
}

// advance moves to the next state. An illegal move is a programming error.
func (f *fileState) advance(to State) {
	if !CanTransition(f.current, to) {
		panic(fmt.Sprintf("ingest: illegal file state transition %s -> %s", f.current, to))
	}
	if to == StateFailed {
		f.failedAt = f.current
	}
	f.log.Debug("file state", "from", f.current, "to", to)
	f.current = to
}
