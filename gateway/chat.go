package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/llm"
	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
)

// handleChatCompletions serves POST /v1/chat/completions for both the
// streaming and the non-streaming shape.
func (s *Server) handleChatCompletions(c echo.Context) error {
	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "bad_request", "request body is not valid JSON")
	}
	if len(req.Messages) == 0 {
		return writeError(c, http.StatusBadRequest, "bad_request", "messages must not be empty")
	}

	question, history := splitConversation(req.Messages)
	if strings.TrimSpace(question) == "" {
		return writeError(c, http.StatusBadRequest, "bad_request", "messages must contain a user message")
	}

	headerID := c.Request().Header.Get(s.registry.Policy().Security.TenantHeaderName)
	if headerID != "" && req.TenantID != "" && headerID != req.TenantID {
		return writeError(c, http.StatusBadRequest, "tenant_conflict",
			fmt.Sprintf("tenant header %q and body tenant_id %q disagree", headerID, req.TenantID))
	}

	rt, err := s.registry.Resolve(tenant.ResolveHint{
		HeaderID: headerID,
		APIKey:   bearerToken(c.Request()),
		Model:    req.Model,
		BodyID:   req.TenantID,
	})
	if err != nil {
		status, code, msg := mapResolveError(err)
		return writeError(c, status, code, msg)
	}

	if !s.limiter.Allow(rt.Config.ID) {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded, retry later")
	}

	agentType, ok := normalizeAgentType(req.AgentType)
	if !ok {
		return writeError(c, http.StatusBadRequest, "bad_request",
			"agent_type must be auto, postgres, knowledge_base, or fallback")
	}

	if status, code, msg := validateOverrides(&req, rt); status != 0 {
		return writeError(c, status, code, msg)
	}

	flags := rt.Flags()
	if !flags.ConversationHistoryEnabled() {
		history = nil
	}

	dreq := &agent.Request{
		ID:          c.Response().Header().Get(echo.HeaderXRequestID),
		Tenant:      rt,
		Question:    question,
		History:     history,
		AgentType:   agentType,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	model := req.Model
	if model == "" {
		model = rt.Config.Model
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), rt.Policy().Timeout())
	defer cancel()

	if s.exporter != nil {
		done := s.exporter.ChatStarted()
		defer done()
	}

	if req.Stream && flags.StreamingEnabled() {
		return s.streamCompletion(ctx, c, dreq, model)
	}

	start := time.Now()
	out := s.dispatch.Dispatch(ctx, dreq)
	s.recordOutcome(rt.Config.ID, out, time.Since(start))

	if !out.OK() {
		s.logFailure(dreq, out)
		status, code, msg := mapOutcome(out)
		return writeError(c, status, code, msg)
	}

	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: nowUnix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: out.Answer},
			FinishReason: "stop",
		}},
		Usage: usageBlock(out),
	})
}

// splitConversation extracts the question (the last user message) and
// the prior user/assistant turns. Client system messages are dropped;
// the agents inject their own instructions.
func splitConversation(messages []ChatMessage) (string, []llm.Message) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return "", nil
	}

	var history []llm.Message
	for _, m := range messages[:last] {
		switch m.Role {
		case "user", "assistant":
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return messages[last].Content, history
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

// normalizeAgentType validates the request's agent_type extension.
func normalizeAgentType(t string) (string, bool) {
	switch t {
	case "", tenant.AgentAuto:
		return tenant.AgentAuto, true
	case tenant.AgentPostgres, tenant.AgentKnowledgeBase, tenant.AgentFallback:
		return t, true
	}
	return "", false
}

// validateOverrides bounds-checks the per-request generation overrides
// against the tenant policy. A zero status means the request passes.
func validateOverrides(req *ChatCompletionRequest, rt *tenant.Runtime) (int, string, string) {
	if req.MaxTokens < 0 {
		return http.StatusBadRequest, "bad_request", "max_tokens must be positive"
	}
	if limit := rt.Config.Settings.MaxTokens; req.MaxTokens > limit {
		return http.StatusBadRequest, "override_rejected",
			fmt.Sprintf("max_tokens %d exceeds the tenant limit %d", req.MaxTokens, limit)
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return http.StatusBadRequest, "override_rejected", "temperature must be between 0 and 2"
	}
	return 0, "", ""
}

// recordOutcome writes the per-request metrics sample.
func (s *Server) recordOutcome(tenantID string, out *agent.Outcome, latency time.Duration) {
	if s.exporter == nil {
		return
	}
	status := metrics.StatusError
	switch {
	case out.OK():
		status = metrics.StatusSuccess
	case out.Code == agent.CodeTimeout, out.Code == agent.CodeQueryTooExpensive:
		status = metrics.StatusTimeout
	case out.Code.IsSafety():
		status = metrics.StatusRejected
	}
	agentName := out.Agent
	if agentName == "" {
		agentName = "none"
	}
	s.exporter.RecordChatRequest(tenantID, agentName, status, latency)
}

// logFailure records the internals a 5xx answer hides from the caller.
func (s *Server) logFailure(req *agent.Request, out *agent.Outcome) {
	slog.Error("chat.dispatch.failed",
		"request_id", req.ID,
		"tenant", req.Tenant.Config.ID,
		"agent", out.Agent,
		"status", out.Status.String(),
		"code", string(out.Code),
		"error", out.Err,
	)
}

func usageBlock(out *agent.Outcome) *UsageBlock {
	u := out.Meta.Usage
	return &UsageBlock{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
