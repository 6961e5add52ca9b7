package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/llm"
	"github.com/siamtech/querygate/testutil"
)

const askBody = `{"messages":[{"role":"user","content":"how many employees?"}]}`

func TestChatCompletions_Envelope(t *testing.T) {
	out := agent.Succeed("postgres", "มีพนักงานทั้งหมด 42 คน", agent.Meta{
		Usage: llm.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
	})
	s, d := newTestServer(t, testutil.TenantsYAML, out)

	body := `{"model":"company-a-apac.anthropic.claude-3-7-sonnet-20250219-v1:0","messages":[{"role":"user","content":"มีพนักงานกี่คน"}]}`
	rec := postChat(s, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("Object = %q", resp.Object)
	}
	if resp.Model != "company-a-apac.anthropic.claude-3-7-sonnet-20250219-v1:0" {
		t.Errorf("Model = %q, want the request model echoed", resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Role != "assistant" || choice.Message.Content != "มีพนักงานทั้งหมด 42 คน" {
		t.Errorf("message = %+v", choice.Message)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", choice.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 150 {
		t.Errorf("usage = %+v, want total 150", resp.Usage)
	}

	req := d.lastRequest()
	if req == nil {
		t.Fatal("dispatcher never called")
	}
	if req.Tenant.Config.ID != "company-a" {
		t.Errorf("tenant = %s, want company-a from the model prefix", req.Tenant.Config.ID)
	}
	if req.Question != "มีพนักงานกี่คน" {
		t.Errorf("question = %q", req.Question)
	}
	if req.ID == "" {
		t.Error("request id not assigned")
	}
}

func TestChatCompletions_ModelDefaultsFromTenant(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	rec := postChat(s, askBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Model != "apac.anthropic.claude-3-7-sonnet-20250219-v1:0" {
		t.Errorf("Model = %q, want the tenant's configured model", resp.Model)
	}
}

func TestChatCompletions_TenantResolution(t *testing.T) {
	modelBody := `{"model":"company-b-apac.anthropic.claude-3-7-sonnet-20250219-v1:0","messages":[{"role":"user","content":"hi"}]}`
	bodyID := `{"tenant_id":"company-b","messages":[{"role":"user","content":"hi"}]}`

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		want    string
	}{
		{"tenant header", askBody, map[string]string{"X-Tenant-ID": "company-b"}, "company-b"},
		{"configured api key", askBody, map[string]string{"Authorization": "Bearer qg-key-company-a"}, "company-a"},
		{"sk key convention", askBody, map[string]string{"Authorization": "Bearer sk-company-b"}, "company-b"},
		{"model prefix", modelBody, nil, "company-b"},
		{"body tenant_id", bodyID, nil, "company-b"},
		{"default tenant", askBody, nil, "company-a"},
		{"header beats api key", askBody, map[string]string{"X-Tenant-ID": "company-b", "Authorization": "Bearer qg-key-company-a"}, "company-b"},
		{"matching header and body", bodyID, map[string]string{"X-Tenant-ID": "company-b"}, "company-b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, d := newTestServer(t, testutil.TenantsYAML, nil)
			rec := postChat(s, tc.body, tc.headers)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if got := d.lastRequest().Tenant.Config.ID; got != tc.want {
				t.Errorf("tenant = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestChatCompletions_TenantConflict(t *testing.T) {
	s, d := newTestServer(t, testutil.TenantsYAML, nil)

	body := `{"tenant_id":"company-b","messages":[{"role":"user","content":"hi"}]}`
	rec := postChat(s, body, map[string]string{"X-Tenant-ID": "company-a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "tenant_conflict" {
		t.Errorf("code = %q, want tenant_conflict", e.Code)
	}
	if d.lastRequest() != nil {
		t.Error("dispatcher called despite the conflict")
	}
}

func TestChatCompletions_UnknownTenant(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	rec := postChat(s, askBody, map[string]string{"X-Tenant-ID": "company-zz"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	e := decodeError(t, rec)
	if e.Code != "tenant_unknown" {
		t.Errorf("code = %q, want tenant_unknown", e.Code)
	}
	if e.Type != "invalid_request_error" {
		t.Errorf("type = %q, want invalid_request_error", e.Type)
	}
}

func TestChatCompletions_TenantRequired(t *testing.T) {
	t.Run("no default on missing", func(t *testing.T) {
		doc := strings.Replace(testutil.TenantsYAML,
			"default_tenant_on_missing: true", "default_tenant_on_missing: false", 1)
		s, _ := newTestServer(t, doc, nil)

		rec := postChat(s, askBody, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if e := decodeError(t, rec); e.Code != "tenant_required" {
			t.Errorf("code = %q, want tenant_required", e.Code)
		}
	})

	t.Run("header required ignores other hints", func(t *testing.T) {
		doc := strings.Replace(testutil.TenantsYAML,
			"require_tenant_header: false", "require_tenant_header: true", 1)
		s, _ := newTestServer(t, doc, nil)

		rec := postChat(s, askBody, map[string]string{"Authorization": "Bearer qg-key-company-a"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if e := decodeError(t, rec); e.Code != "tenant_required" {
			t.Errorf("code = %q, want tenant_required", e.Code)
		}
	})
}

func TestChatCompletions_DisabledTenant(t *testing.T) {
	doc := strings.Replace(testutil.TenantsYAML,
		"  company-b:\n    name:", "  company-b:\n    disabled: true\n    name:", 1)
	s, _ := newTestServer(t, doc, nil)

	rec := postChat(s, askBody, map[string]string{"X-Tenant-ID": "company-b"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	e := decodeError(t, rec)
	if e.Code != "unauthorized_tenant" {
		t.Errorf("code = %q, want unauthorized_tenant", e.Code)
	}
	if e.Type != "authentication_error" {
		t.Errorf("type = %q, want authentication_error", e.Type)
	}
}

func TestChatCompletions_RequestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"messages":`},
		{"no messages", `{"messages":[]}`},
		{"no user message", `{"messages":[{"role":"system","content":"be terse"},{"role":"assistant","content":"ok"}]}`},
		{"unknown agent_type", `{"agent_type":"sql","messages":[{"role":"user","content":"hi"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(t, testutil.TenantsYAML, nil)
			rec := postChat(s, tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if e := decodeError(t, rec); e.Code != "bad_request" {
				t.Errorf("code = %q, want bad_request", e.Code)
			}
		})
	}
}

func TestChatCompletions_AgentTypePinned(t *testing.T) {
	s, d := newTestServer(t, testutil.TenantsYAML, nil)

	body := `{"agent_type":"knowledge_base","messages":[{"role":"user","content":"วันหยุดกี่วัน"}]}`
	if rec := postChat(s, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := d.lastRequest().AgentType; got != "knowledge_base" {
		t.Errorf("agent type = %q, want knowledge_base", got)
	}

	if rec := postChat(s, askBody, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := d.lastRequest().AgentType; got != "auto" {
		t.Errorf("agent type = %q, want auto when unset", got)
	}
}

func TestChatCompletions_Overrides(t *testing.T) {
	t.Run("max_tokens one is accepted", func(t *testing.T) {
		s, d := newTestServer(t, testutil.TenantsYAML, nil)
		body := `{"max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`
		rec := postChat(s, body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var resp ChatCompletionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "stop" {
			t.Errorf("envelope malformed: %+v", resp.Choices)
		}
		if d.lastRequest().MaxTokens != 1 {
			t.Errorf("MaxTokens = %d, want 1 forwarded", d.lastRequest().MaxTokens)
		}
	})

	t.Run("max_tokens above tenant limit", func(t *testing.T) {
		s, d := newTestServer(t, testutil.TenantsYAML, nil)
		body := `{"max_tokens":1001,"messages":[{"role":"user","content":"hi"}]}`
		rec := postChat(s, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if e := decodeError(t, rec); e.Code != "override_rejected" {
			t.Errorf("code = %q, want override_rejected", e.Code)
		}
		if d.lastRequest() != nil {
			t.Error("dispatcher called despite the rejected override")
		}
	})

	t.Run("negative max_tokens", func(t *testing.T) {
		s, _ := newTestServer(t, testutil.TenantsYAML, nil)
		body := `{"max_tokens":-1,"messages":[{"role":"user","content":"hi"}]}`
		rec := postChat(s, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if e := decodeError(t, rec); e.Code != "bad_request" {
			t.Errorf("code = %q, want bad_request", e.Code)
		}
	})

	t.Run("temperature out of range", func(t *testing.T) {
		s, _ := newTestServer(t, testutil.TenantsYAML, nil)
		body := `{"temperature":3,"messages":[{"role":"user","content":"hi"}]}`
		rec := postChat(s, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if e := decodeError(t, rec); e.Code != "override_rejected" {
			t.Errorf("code = %q, want override_rejected", e.Code)
		}
	})

	t.Run("temperature zero forwarded", func(t *testing.T) {
		s, d := newTestServer(t, testutil.TenantsYAML, nil)
		body := `{"temperature":0,"messages":[{"role":"user","content":"hi"}]}`
		if rec := postChat(s, body, nil); rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		temp := d.lastRequest().Temperature
		if temp == nil || *temp != 0 {
			t.Errorf("Temperature = %v, want explicit 0", temp)
		}
	})
}

func TestChatCompletions_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		out        *agent.Outcome
		wantStatus int
		wantCode   string
		wantType   string
	}{
		{"sql rejected", agent.Fatalf("postgres", agent.CodeSQLRejected, "multiple statements are not allowed"), 422, "safety_rejected", "invalid_request_error"},
		{"disallowed statement", agent.Fatalf("postgres", agent.CodeDisallowedStatement, "write statements are not allowed: DELETE"), 422, "safety_rejected", "invalid_request_error"},
		{"forbidden schema", agent.Fatalf("postgres", agent.CodeForbiddenSchema, "table payroll is not readable"), 422, "safety_rejected", "invalid_request_error"},
		{"timeout", agent.Fatalf("postgres", agent.CodeTimeout, "context deadline exceeded"), 504, "timeout", "api_error"},
		{"expensive query", agent.Recoverablef("postgres", agent.CodeQueryTooExpensive, "statement timeout fired"), 504, "query_too_expensive", "api_error"},
		{"pool exhausted", agent.Recoverablef("postgres", agent.CodePoolExhausted, "too many connections"), 503, "pool_exhausted", "api_error"},
		{"provider unavailable", agent.Recoverablef("fallback", agent.CodeProviderUnavailable, "connection refused"), 503, "provider_unavailable", "api_error"},
		{"database unavailable", agent.Recoverablef("postgres", agent.CodeDBUnavailable, "connection refused"), 503, "db_unavailable", "api_error"},
		{"kb unavailable", agent.Recoverablef("knowledge_base", agent.CodeKBUnavailable, "retrieval service down"), 503, "kb_unavailable", "api_error"},
		{"agent disabled", agent.Fatalf("postgres", agent.CodeAgentDisabled, "agent postgres disabled for tenant company-a"), 403, "agent_disabled", "permission_error"},
		{"chain exhausted", agent.Recoverablef("fallback", agent.CodeCredentialMissing, "no provider key"), 502, "agent_unavailable", "api_error"},
		{"internal", agent.Fatalf("postgres", agent.CodeBug, "nil snapshot"), 500, "internal", "api_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(t, testutil.TenantsYAML, tc.out)
			rec := postChat(s, askBody, nil)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			e := decodeError(t, rec)
			if e.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tc.wantCode)
			}
			if e.Type != tc.wantType {
				t.Errorf("type = %q, want %q", e.Type, tc.wantType)
			}
		})
	}
}

func TestChatCompletions_SafetyDetailSurfaced(t *testing.T) {
	out := agent.Fatalf("postgres", agent.CodeDisallowedStatement, "write statements are not allowed: DELETE")
	s, _ := newTestServer(t, testutil.TenantsYAML, out)

	rec := postChat(s, askBody, nil)
	if e := decodeError(t, rec); !strings.Contains(e.Message, "DELETE") {
		t.Errorf("message = %q, want the safety detail surfaced", e.Message)
	}
}

func TestChatCompletions_InternalDetailSanitized(t *testing.T) {
	out := agent.Fatalf("postgres", agent.CodeBug, "panic at host db-internal-7")
	s, _ := newTestServer(t, testutil.TenantsYAML, out)

	rec := postChat(s, askBody, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if e := decodeError(t, rec); e.Message != "internal error" {
		t.Errorf("message = %q, want the static text", e.Message)
	}
	if strings.Contains(rec.Body.String(), "db-internal-7") {
		t.Error("response leaked the internal error detail")
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	hit := false
	for i := 0; i < limiterBurst*2; i++ {
		rec := postChat(s, askBody, nil)
		if rec.Code == http.StatusTooManyRequests {
			e := decodeError(t, rec)
			if e.Code != "rate_limited" {
				t.Errorf("code = %q, want rate_limited", e.Code)
			}
			if e.Type != "rate_limit_error" {
				t.Errorf("type = %q, want rate_limit_error", e.Type)
			}
			hit = true
			break
		}
	}
	if !hit {
		t.Error("burst never exhausted the limiter")
	}
}

func TestChatCompletions_DeadlineEnforced(t *testing.T) {
	doc := strings.Replace(testutil.TenantsYAML, "timeout_seconds: 60", "timeout_seconds: 1", 1)
	s, d := newTestServer(t, doc, nil)
	d.delay = 5 * time.Second

	rec := postChat(s, askBody, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "timeout" {
		t.Errorf("code = %q, want timeout", e.Code)
	}
}

func TestChatCompletions_History(t *testing.T) {
	s, d := newTestServer(t, testutil.TenantsYAML, nil)

	body := `{"messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"how many staff?"},
		{"role":"assistant","content":"42"},
		{"role":"user","content":"and last year?"}]}`
	if rec := postChat(s, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req := d.lastRequest()
	if req.Question != "and last year?" {
		t.Errorf("question = %q, want the last user message", req.Question)
	}
	if len(req.History) != 2 {
		t.Fatalf("history = %d turns, want 2", len(req.History))
	}
	if req.History[0].Role != "user" || req.History[0].Content != "how many staff?" {
		t.Errorf("history[0] = %+v", req.History[0])
	}
	if req.History[1].Role != "assistant" || req.History[1].Content != "42" {
		t.Errorf("history[1] = %+v", req.History[1])
	}
	for _, m := range req.History {
		if m.Role == "system" {
			t.Error("client system message leaked into the history")
		}
	}
}

func TestChatCompletions_HistoryDisabledByFlag(t *testing.T) {
	doc := testutil.TenantsYAML + "  enable_conversation_history: false\n"
	s, d := newTestServer(t, doc, nil)

	body := `{"messages":[
		{"role":"user","content":"how many staff?"},
		{"role":"assistant","content":"42"},
		{"role":"user","content":"and last year?"}]}`
	if rec := postChat(s, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h := d.lastRequest().History; len(h) != 0 {
		t.Errorf("history = %d turns, want none with the flag off", len(h))
	}
}
