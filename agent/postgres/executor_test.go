package postgres

import (
	"errors"
	"testing"

	"github.com/lib/pq"
)

func TestCapSQL(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		maxRows int
		want    string
	}{
		{
			name:    "missing limit appended",
			sql:     "SELECT * FROM employees",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 101",
		},
		{
			name:    "limit below cap kept",
			sql:     "SELECT * FROM employees LIMIT 50",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 50",
		},
		{
			name:    "limit at cap kept",
			sql:     "SELECT * FROM employees LIMIT 100",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 100",
		},
		{
			name:    "limit one over cap rewritten",
			sql:     "SELECT * FROM employees LIMIT 101",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 101",
		},
		{
			name:    "oversized limit rewritten",
			sql:     "SELECT * FROM employees LIMIT 100000",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 101",
		},
		{
			name:    "limit all rewritten",
			sql:     "SELECT * FROM employees LIMIT ALL",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 101",
		},
		{
			name:    "subquery limit untouched",
			sql:     "SELECT * FROM (SELECT * FROM raw LIMIT 100000) s",
			maxRows: 100,
			want:    "SELECT * FROM (SELECT * FROM raw LIMIT 100000) s LIMIT 101",
		},
		{
			name:    "parameterized limit left to the scan cap",
			sql:     "SELECT * FROM employees LIMIT $1",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT $1",
		},
		{
			name:    "trailing semicolons trimmed",
			sql:     "SELECT 1; ;",
			maxRows: 100,
			want:    "SELECT 1 LIMIT 101",
		},
		{
			name:    "rewrite keeps the tail",
			sql:     "SELECT * FROM employees LIMIT 100000 OFFSET 10",
			maxRows: 100,
			want:    "SELECT * FROM employees LIMIT 101 OFFSET 10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := capSQL(tt.sql, tt.maxRows)
			if err != nil {
				t.Fatalf("capSQL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("capSQL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCapSQL_DanglingLimit(t *testing.T) {
	if _, err := capSQL("SELECT 1 LIMIT", 100); err == nil {
		t.Error("capSQL() should fail on a dangling LIMIT")
	}
}

func TestErrorProbes(t *testing.T) {
	timeout := &pq.Error{Code: "57014"}
	drift := &pq.Error{Code: "42P01"}
	other := errors.New("broken")

	if !isStatementTimeout(timeout) {
		t.Error("57014 should read as a statement timeout")
	}
	if isStatementTimeout(drift) || isStatementTimeout(other) {
		t.Error("non-57014 errors must not read as statement timeouts")
	}
	if !isSchemaDrift(drift) || !isSchemaDrift(&pq.Error{Code: "42703"}) {
		t.Error("undefined table/column should read as schema drift")
	}
	if isSchemaDrift(timeout) || isSchemaDrift(other) {
		t.Error("unrelated errors must not read as schema drift")
	}
}
