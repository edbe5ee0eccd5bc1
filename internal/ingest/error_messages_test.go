package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDescribe(t *testing.T) {
	table := TableRef{Table: "staging_x"}

	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil", nil, ""},
		{"auth", &AuthError{Err: errors.New("401")}, "AUTH001"},
		{"auth timeout", &AuthError{Err: context.DeadlineExceeded}, "AUTH002"},
		{"open", &SourceFetchError{Op: "open", Err: errors.New("x")}, "SRC001"},
		{"list", &SourceFetchError{Op: "list", Err: errors.New("x")}, "SRC002"},
		{"fetch", &SourceFetchError{Op: "fetch", Path: "a.csv", Err: errors.New("x")}, "SRC003"},
		{"fetch timeout", &SourceFetchError{Op: "fetch", Err: context.DeadlineExceeded}, "SRC004"},
		{"create", &StagingCreateError{Table: table, Err: errors.New("x")}, "STG001"},
		{"rows refused", &StagingLoadError{Table: table, Rejected: []RowError{{}}}, "STG002"},
		{"load failed", &StagingLoadError{Table: table, Err: errors.New("x")}, "STG003"},
		{"merge rejected", &MergeError{Kind: MergeRejected}, "MRG001"},
		{"merge schema", &MergeError{Kind: MergeSchemaMismatch}, "MRG002"},
		{"merge conflict", &MergeError{Kind: MergeConflict}, "MRG003"},
		{"merge timeout", &MergeError{Kind: MergeTimeout}, "MRG004"},
		{"cleanup", &CleanupError{Table: table, Err: errors.New("x")}, "CLN001"},
		{"wrapped", fmt.Errorf("run: %w", &MergeError{Kind: MergeConflict}), "MRG003"},
		{"plain deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), "ERR001"},
		{"plain cancel", context.Canceled, "ERR002"},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connect: Connection Refused"), "ERR003"},
		{"busy", ErrTooManyRuns, "ERR004"},
		{"unknown", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Describe(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Describe(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
			if tt.err != nil && (got.Message == "" || got.Action == "") {
				t.Errorf("Describe(%v) = %+v, want message and action", tt.err, got)
			}
		})
	}
}

func TestIsRunFatal(t *testing.T) {
	if !IsRunFatal(fmt.Errorf("x: %w", &AuthError{Err: errors.New("y")})) {
		t.Error("AuthError should be run-fatal")
	}
	if !IsRunFatal(&SourceFetchError{Op: "list"}) {
		t.Error("SourceFetchError should be run-fatal")
	}
	if IsRunFatal(&MergeError{Kind: MergeConflict}) {
		t.Error("MergeError should not be run-fatal")
	}
}

func TestBearerToken(t *testing.T) {
	tok := BearerToken{Value: "secret"}
	if got := fmt.Sprint(tok); got != "<redacted>" {
		t.Errorf("String() = %q", got)
	}
	now := time.Now()
	if tok.Expired(now, 0) {
		t.Error("token without expiry should not be expired")
	}
	if !(BearerToken{}).Expired(now, 0) {
		t.Error("empty token should be expired")
	}

	tok.ExpiresAt = now.Add(30 * time.Second)
	if tok.Expired(now, 0) {
		t.Error("token expiring in 30s should be valid without skew")
	}
	if !tok.Expired(now, time.Minute) {
		t.Error("token expiring in 30s should be expired with 1m skew")
	}
}
