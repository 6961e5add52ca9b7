package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	defaultMaxRows          = 500
	defaultStatementTimeout = 30 * time.Second
	defaultLockTimeout      = 2 * time.Second
	defaultIdleInTxTimeout  = 60 * time.Second

	// reducedBudgetDivisor shrinks the row cap for the one retry after
	// a statement timeout.
	reducedBudgetDivisor = 5
)

type execConfig struct {
	MaxRows          int
	StatementTimeout time.Duration
	LockTimeout      time.Duration
}

// ResultSet holds scanned rows in column order. Rows never exceeds the
// configured cap; Truncated reports that more rows existed.
type ResultSet struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
}

// capSQL makes the row cap effective: an over-cap top-level LIMIT is
// rewritten and a missing one appended. The injected value is cap+1 so
// the scan can tell "exactly cap rows" from "more rows exist".
func capSQL(sqlText string, maxRows int) (string, error) {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return "", err
	}

	fetch := strconv.Itoa(maxRows + 1)
	depth := 0
	for i, tok := range tokens {
		switch {
		case tok.kind == tokenPunct && tok.text == "(":
			depth++
		case tok.kind == tokenPunct && tok.text == ")":
			depth--
		case depth == 0 && tok.kind == tokenWord && strings.EqualFold(tok.text, "LIMIT"):
			if i+1 >= len(tokens) {
				return "", fmt.Errorf("dangling LIMIT clause")
			}
			next := tokens[i+1]
			switch {
			case next.kind == tokenNumber:
				if val, err := strconv.Atoi(next.text); err == nil && val <= maxRows {
					return trimmed, nil // already bounded below the cap
				}
				return trimmed[:next.pos] + fetch + trimmed[next.pos+len(next.text):], nil
			case next.kind == tokenWord && strings.EqualFold(next.text, "ALL"):
				return trimmed[:next.pos] + fetch + trimmed[next.pos+len(next.text):], nil
			default:
				// parameterized or computed limit; the scan cap still holds
				return trimmed, nil
			}
		}
	}
	return trimmed + " LIMIT " + fetch, nil
}

// execute runs one vetted query inside a read-only transaction with
// local statement and lock timeouts applied.
func execute(ctx context.Context, db *sql.DB, q *GeneratedQuery, cfg execConfig) (*ResultSet, error) {
	limited, err := capSQL(q.SQL, cfg.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("cap query: %w", err)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		fmt.Sprintf("SET LOCAL statement_timeout = %d", cfg.StatementTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL lock_timeout = %d", cfg.LockTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = %d", defaultIdleInTxTimeout.Milliseconds()),
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply session guard: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, limited, q.Params...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read column names: %w", err)
	}

	out := &ResultSet{Columns: cols}
	for rows.Next() {
		if len(out.Rows) == cfg.MaxRows+1 {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	if len(out.Rows) > cfg.MaxRows {
		out.Rows = out.Rows[:cfg.MaxRows]
		out.Truncated = true
	}

	rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("close read-only tx: %w", err)
	}
	return out, nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// isStatementTimeout reports SQLSTATE 57014, the statement_timeout guard.
func isStatementTimeout(err error) bool {
	return pqCode(err) == "57014"
}

// isSchemaDrift reports undefined table or column errors, the signal
// that the cached snapshot no longer matches the database.
func isSchemaDrift(err error) bool {
	code := pqCode(err)
	return code == "42P01" || code == "42703"
}
