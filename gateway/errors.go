package gateway

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/tenant"
)

// errorType maps an HTTP status to the OpenAI error type string.
func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// writeError renders the OpenAI error envelope.
func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{Error: ErrorBody{
		Message: message,
		Type:    errorType(status),
		Code:    code,
	}})
}

// mapResolveError translates a tenant resolution failure into a wire
// status and code.
func mapResolveError(err error) (int, string, string) {
	switch {
	case errors.Is(err, tenant.ErrTenantRequired):
		return http.StatusBadRequest, "tenant_required", err.Error()
	case errors.Is(err, tenant.ErrTenantUnknown):
		return http.StatusNotFound, "tenant_unknown", err.Error()
	case errors.Is(err, tenant.ErrTenantDisabled):
		return http.StatusUnauthorized, "unauthorized_tenant", err.Error()
	case errors.Is(err, tenant.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "unavailable", "server is shutting down"
	default:
		return http.StatusBadRequest, "bad_request", err.Error()
	}
}

// mapOutcome translates a failed dispatch outcome into a wire status,
// code, and client-safe message. Internals behind 5xx answers stay in
// the logs; 4xx answers carry the detail the caller needs to fix the
// request.
func mapOutcome(o *agent.Outcome) (int, string, string) {
	if o.Code.IsSafety() {
		return http.StatusUnprocessableEntity, "safety_rejected", detail(o, "query rejected by the safety gate")
	}

	switch o.Code {
	case agent.CodeTenantRequired:
		return http.StatusBadRequest, "tenant_required", detail(o, "tenant required")
	case agent.CodeTenantUnknown:
		return http.StatusNotFound, "tenant_unknown", detail(o, "tenant unknown")
	case agent.CodeTenantDisabled:
		return http.StatusUnauthorized, "unauthorized_tenant", detail(o, "tenant is disabled")
	case agent.CodeAgentDisabled:
		return http.StatusForbidden, "agent_disabled", detail(o, "agent is disabled for this tenant")
	case agent.CodeOverrideRejected:
		return http.StatusBadRequest, "override_rejected", detail(o, "request overrides exceed the tenant policy")
	case agent.CodeTimeout:
		return http.StatusGatewayTimeout, "timeout", "the request timed out before an answer was produced"
	case agent.CodeQueryTooExpensive:
		return http.StatusGatewayTimeout, "query_too_expensive", "the generated query exceeded the execution time budget"
	case agent.CodePoolExhausted:
		return http.StatusServiceUnavailable, "pool_exhausted", "no database connection is available right now"
	case agent.CodeProviderUnavailable:
		return http.StatusServiceUnavailable, "provider_unavailable", "the language model provider is unavailable"
	case agent.CodeDBUnavailable:
		return http.StatusServiceUnavailable, "db_unavailable", "the tenant database is unavailable"
	case agent.CodeKBUnavailable:
		return http.StatusServiceUnavailable, "kb_unavailable", "the knowledge base is unavailable"
	case agent.CodeBug:
		return http.StatusInternalServerError, "internal", "internal error"
	}

	if o.Status == agent.StatusRecoverable {
		return http.StatusBadGateway, "agent_unavailable", "no agent could answer the question"
	}
	return http.StatusInternalServerError, "internal", "internal error"
}

// detail prefers the outcome's own error text for codes where it is
// safe to show the caller.
func detail(o *agent.Outcome, fallback string) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return fallback
}
