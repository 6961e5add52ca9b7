package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExporter(t *testing.T) {
	exporter := NewExporter(DefaultConfig())

	t.Run("RecordChatRequest", func(t *testing.T) {
		exporter.RecordChatRequest("company-a", "postgres", StatusSuccess, 100*time.Millisecond)
		exporter.RecordChatRequest("company-a", "postgres", StatusSuccess, 200*time.Millisecond)
		exporter.RecordChatRequest("company-b", "knowledge_base", StatusError, 150*time.Millisecond)

		done := exporter.ChatStarted()
		done()
	})

	t.Run("RecordSQL", func(t *testing.T) {
		exporter.RecordSQLExecuted("company-a")
		exporter.RecordSQLRejected("company-a", "write_keyword")
		exporter.RecordSQLRejected("company-b", "multi_statement")
	})

	t.Run("RecordSchemaRefresh", func(t *testing.T) {
		exporter.RecordSchemaRefresh("company-a", nil)
		exporter.RecordSchemaRefresh("company-a", errors.New("connection refused"))
	})

	t.Run("RecordLLMTokens", func(t *testing.T) {
		exporter.RecordLLMTokens("company-a", "prompt", 100)
		exporter.RecordLLMTokens("company-a", "completion", 50)
		exporter.RecordLLMTokens("company-a", "prompt", 0) // no-op
	})

	t.Run("RecordAgentFallback", func(t *testing.T) {
		exporter.RecordAgentFallback("company-a", "postgres", "fallback")
	})

	t.Run("SetPoolOpen", func(t *testing.T) {
		exporter.SetPoolOpen("company-a", 4)
		exporter.DropTenant("company-a")
	})
}

func TestExporterHandler(t *testing.T) {
	exporter := NewExporter(DefaultConfig())

	exporter.RecordChatRequest("company-a", "postgres", StatusSuccess, 100*time.Millisecond)
	exporter.RecordSQLExecuted("company-a")
	exporter.RecordSQLRejected("company-a", "write_keyword")
	exporter.RecordLLMTokens("company-a", "prompt", 100)
	exporter.RecordAgentFallback("company-a", "postgres", "fallback")
	exporter.SetPoolOpen("company-a", 2)

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	exporter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, series := range []string{
		"querygate_chat_requests_total",
		"querygate_chat_latency_seconds",
		"querygate_sql_executed_total",
		"querygate_sql_rejected_total",
		"querygate_llm_tokens_total",
		"querygate_agent_fallbacks_total",
		"querygate_db_pool_open",
	} {
		if !strings.Contains(body, series) {
			t.Errorf("expected %s in output", series)
		}
	}

	if !strings.Contains(body, `rule="write_keyword"`) {
		t.Error("expected rejection rule label in output")
	}
}

func TestExporterCustomRegistry(t *testing.T) {
	exporter := NewExporter(Config{})
	exporter.RecordChatRequest("t", "fallback", StatusSuccess, 50*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()

	exporter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}
