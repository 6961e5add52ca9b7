// Package agent routes chat requests to query agents and runs the
// fallback chain between them.
package agent

import (
	"context"

	"github.com/siamtech/querygate/llm"
	"github.com/siamtech/querygate/tenant"
)

// Agent type identifiers, matching the tenant configuration values.
const (
	TypePostgres      = tenant.AgentPostgres
	TypeKnowledgeBase = tenant.AgentKnowledgeBase
	TypeFallback      = tenant.AgentFallback
)

// Request is one question dispatched on behalf of a resolved tenant.
type Request struct {
	ID        string          // request id, for log correlation
	Tenant    *tenant.Runtime // resolved, never nil
	Question  string          // latest user message
	History   []llm.Message   // earlier turns, oldest first
	AgentType string          // pinned agent type, or tenant.AgentAuto

	// Per-request overrides, already bounds-checked against the tenant
	// policy by the facade. They apply to answer synthesis only; internal
	// calls (SQL generation, routing) keep the tenant settings.
	MaxTokens   int      // 0 inherits the tenant's max_tokens
	Temperature *float32 // nil inherits the tenant's temperature
}

// Settings returns the tenant's generation settings.
func (r *Request) Settings() tenant.TenantSettings {
	return r.Tenant.Config.Settings
}

// GenSettings returns the generation settings with the request's
// overrides folded in.
func (r *Request) GenSettings() tenant.TenantSettings {
	s := r.Tenant.Config.Settings
	if r.MaxTokens > 0 {
		s.MaxTokens = r.MaxTokens
	}
	if r.Temperature != nil {
		s.Temperature = *r.Temperature
	}
	return s
}

// Language returns the tenant's response language ("th" or "en").
func (r *Request) Language() string {
	return r.Tenant.Config.Settings.ResponseLanguage
}

// Agent answers a single question for one tenant.
type Agent interface {
	// Name returns the agent type identifier used in config and metrics.
	Name() string

	// Execute answers the request. It never returns nil and classifies
	// every failure as recoverable or fatal.
	Execute(ctx context.Context, req *Request) *Outcome
}
