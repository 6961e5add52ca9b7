package agent

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestStatusString(t *testing.T) {
	if StatusSuccess.String() != "success" {
		t.Errorf("StatusSuccess = %v", StatusSuccess.String())
	}
	if StatusRecoverable.String() != "recoverable" {
		t.Errorf("StatusRecoverable = %v", StatusRecoverable.String())
	}
	if StatusFatal.String() != "fatal" {
		t.Errorf("StatusFatal = %v", StatusFatal.String())
	}
}

func TestOutcomeConstructors(t *testing.T) {
	ok := Succeed("postgres", "42 rows", Meta{RowCount: 42})
	if !ok.OK() || ok.Agent != "postgres" || ok.Meta.RowCount != 42 {
		t.Errorf("Succeed() = %+v", ok)
	}

	rec := Recoverablef("kb", CodeKBUnavailable, "connect: %s", "refused")
	if rec.OK() || rec.Status != StatusRecoverable || rec.Code != CodeKBUnavailable {
		t.Errorf("Recoverablef() = %+v", rec)
	}
	if rec.Err == nil {
		t.Error("Recoverablef() should carry an error")
	}

	fat := Fatalf("postgres", CodeSQLRejected, "write keyword")
	if fat.Status != StatusFatal || fat.Code != CodeSQLRejected {
		t.Errorf("Fatalf() = %+v", fat)
	}
}

func TestCodeIsSafety(t *testing.T) {
	for _, code := range []Code{CodeSQLRejected, CodeDisallowedStatement, CodeForbiddenSchema} {
		if !code.IsSafety() {
			t.Errorf("%s should be a safety code", code)
		}
	}
	for _, code := range []Code{CodeTimeout, CodeBug, CodeNone, CodeAgentDisabled} {
		if code.IsSafety() {
			t.Errorf("%s should not be a safety code", code)
		}
	}
}

func TestClassifyLLM(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus Status
		wantCode   Code
	}{
		{"deadline", context.DeadlineExceeded, StatusRecoverable, CodeTimeout},
		{"canceled", context.Canceled, StatusFatal, CodeTimeout},
		{"server error", errors.New("503 service unavailable"), StatusRecoverable, CodeProviderUnavailable},
		{"rate limited", errors.New("429 too many requests"), StatusRecoverable, CodeProviderUnavailable},
		{"bad key", errors.New("invalid_api_key"), StatusFatal, CodeProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ClassifyLLM("fallback", tt.err)
			if out.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", out.Status, tt.wantStatus)
			}
			if out.Code != tt.wantCode {
				t.Errorf("code = %v, want %v", out.Code, tt.wantCode)
			}
		})
	}
}

func TestClassifyDB(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus Status
		wantCode   Code
	}{
		{"bad conn", driver.ErrBadConn, StatusRecoverable, CodeDBUnavailable},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), StatusRecoverable, CodeDBUnavailable},
		{"deadline", context.DeadlineExceeded, StatusRecoverable, CodeTimeout},
		{"canceled", context.Canceled, StatusFatal, CodeTimeout},
		{"statement timeout", fmt.Errorf("exec: %w", &pq.Error{Code: "57014"}), StatusRecoverable, CodeQueryTooExpensive},
		{"too many connections", fmt.Errorf("open: %w", &pq.Error{Code: "53300"}), StatusRecoverable, CodePoolExhausted},
		{"undefined table", fmt.Errorf("query: %w", &pq.Error{Code: "42P01"}), StatusRecoverable, CodeDBUnavailable},
		{"syntax error", fmt.Errorf("query: %w", &pq.Error{Code: "42601"}), StatusRecoverable, CodeDBUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ClassifyDB("postgres", tt.err)
			if out.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", out.Status, tt.wantStatus)
			}
			if out.Code != tt.wantCode {
				t.Errorf("code = %v, want %v", out.Code, tt.wantCode)
			}
		})
	}
}
