package agent

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/siamtech/querygate/llm"
)

// Status categorizes how a dispatch attempt ended. Recoverable failures
// let the dispatcher try the next agent in the chain; fatal failures
// surface immediately.
type Status int

const (
	StatusSuccess Status = iota
	StatusRecoverable
	StatusFatal
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRecoverable:
		return "recoverable"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable failure code.
type Code string

const (
	CodeNone Code = ""

	// Configuration
	CodeConfigInvalid     Code = "config_invalid"
	CodeTenantDuplicate   Code = "tenant_duplicate"
	CodeCredentialMissing Code = "credential_missing"

	// Identity
	CodeTenantRequired Code = "tenant_required"
	CodeTenantUnknown  Code = "tenant_unknown"
	CodeTenantDisabled Code = "tenant_disabled"

	// Policy
	CodeAgentDisabled    Code = "agent_disabled"
	CodeOverrideRejected Code = "override_rejected"

	// Safety
	CodeSQLRejected         Code = "sql_rejected"
	CodeDisallowedStatement Code = "disallowed_statement"
	CodeForbiddenSchema     Code = "forbidden_schema"

	// Resource
	CodeTimeout           Code = "timeout"
	CodeQueryTooExpensive Code = "query_too_expensive"
	CodePoolExhausted     Code = "pool_exhausted"

	// Transient
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeDBUnavailable       Code = "db_unavailable"
	CodeKBUnavailable       Code = "kb_unavailable"

	// Internal
	CodeBug Code = "internal"
)

// IsSafety reports whether the code names a safety gate rejection.
func (c Code) IsSafety() bool {
	switch c {
	case CodeSQLRejected, CodeDisallowedStatement, CodeForbiddenSchema:
		return true
	}
	return false
}

// Meta carries agent-specific evidence attached to an outcome.
type Meta struct {
	SQL           string    // executed query, postgres agent only
	Tables        []string  // tables the query touched
	RowCount      int       // rows returned before rendering
	Truncated     bool      // row cap cut the result set
	Passages      int       // retrieved passages, kb agent only
	Usage         llm.Usage // aggregate LLM usage for the attempt
	Clarification bool      // answer is a clarifying question, not a result
}

// Outcome is the single result of one agent attempt.
type Outcome struct {
	Agent  string
	Status Status
	Code   Code
	Answer string
	Meta   Meta
	Err    error
}

// OK reports whether the attempt produced an answer.
func (o *Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Succeed builds a successful outcome.
func Succeed(agentName, answer string, meta Meta) *Outcome {
	return &Outcome{Agent: agentName, Status: StatusSuccess, Answer: answer, Meta: meta}
}

// Recoverable builds a failure the dispatcher may recover from by
// falling back to another agent.
func Recoverable(agentName string, code Code, err error) *Outcome {
	return &Outcome{Agent: agentName, Status: StatusRecoverable, Code: code, Err: err}
}

// Fatal builds a failure that surfaces immediately.
func Fatal(agentName string, code Code, err error) *Outcome {
	return &Outcome{Agent: agentName, Status: StatusFatal, Code: code, Err: err}
}

// Recoverablef is Recoverable with a formatted error.
func Recoverablef(agentName string, code Code, format string, args ...any) *Outcome {
	return Recoverable(agentName, code, fmt.Errorf(format, args...))
}

// Fatalf is Fatal with a formatted error.
func Fatalf(agentName string, code Code, format string, args ...any) *Outcome {
	return Fatal(agentName, code, fmt.Errorf(format, args...))
}

// ClassifyLLM maps a provider error to an outcome. Transient provider
// failures are recoverable so the chain can fall through to an agent
// that does not need the model, or at least a cheaper prompt.
func ClassifyLLM(agentName string, err error) *Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Recoverable(agentName, CodeTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return Fatal(agentName, CodeTimeout, err)
	}
	if llm.IsRetryable(err) {
		return Recoverable(agentName, CodeProviderUnavailable, err)
	}
	return Fatal(agentName, CodeProviderUnavailable, err)
}

// ClassifyDB maps a database error to an outcome. Connectivity and
// timeout failures are recoverable; schema drift is recoverable after
// the caller invalidates its snapshot; anything else is treated as a
// recoverable generation defect (a different agent may still answer).
func ClassifyDB(agentName string, err error) *Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Recoverable(agentName, CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return Fatal(agentName, CodeTimeout, err)
	case errors.Is(err, driver.ErrBadConn), isNetworkError(err), isTimeoutError(err):
		return Recoverable(agentName, CodeDBUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "57014": // query_canceled, statement timeout fired
			return Recoverable(agentName, CodeQueryTooExpensive, err)
		case "53300": // too_many_connections
			return Recoverable(agentName, CodePoolExhausted, err)
		case "42P01", "42703": // undefined table / column, stale snapshot
			return Recoverable(agentName, CodeDBUnavailable, err)
		}
	}
	return Recoverable(agentName, CodeDBUnavailable, err)
}

// isNetworkError checks if an error is network-related (transient).
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network is unreachable",
		"no such host",
		"temporary failure",
		"dial tcp",
		"eof",
		"connection lost",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if an error is timeout-related (transient).
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	timeoutPatterns := []string{
		"timeout",
		"deadline exceeded",
		"i/o timeout",
		"operation timed out",
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
