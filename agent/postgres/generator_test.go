package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/siamtech/querygate/testutil"
)

func TestGenerate_DecodesQuery(t *testing.T) {
	script := &testutil.ScriptedLLM{Replies: []string{
		`{"sql":"SELECT COUNT(*) AS total FROM employees","params":[],"rationale":"นับพนักงาน"}`,
	}}
	gen := NewGenerator(script)

	q, usage, err := gen.Generate(context.Background(), GenerateInput{
		Tenant:    "company-a",
		Question:  "มีพนักงานกี่คน",
		Summary:   "TABLE employees",
		Language:  "th",
		MaxTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if q.SQL != "SELECT COUNT(*) AS total FROM employees" {
		t.Errorf("SQL = %q", q.SQL)
	}
	if len(q.Params) != 0 {
		t.Errorf("Params = %v, want none", q.Params)
	}
	if q.Rationale != "นับพนักงาน" {
		t.Errorf("Rationale = %q", q.Rationale)
	}
	if usage.TotalTokens == 0 {
		t.Error("usage should be recorded")
	}

	params := script.Params[0]
	if !params.JSONMode {
		t.Error("generation must request JSON mode")
	}
	if params.MaxTokens != 1000 {
		t.Errorf("MaxTokens = %d, want 1000", params.MaxTokens)
	}
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", params.Temperature)
	}

	prompt := script.LastPrompt()
	if len(prompt) != 2 {
		t.Fatalf("prompt length = %d, want system + user", len(prompt))
	}
	if !strings.Contains(prompt[0].Content, "TABLE employees") {
		t.Error("system prompt should carry the schema summary")
	}
	if !strings.Contains(prompt[0].Content, "Thai") {
		t.Error("system prompt should name the rationale language")
	}
}

func TestGenerate_DecodesParamValues(t *testing.T) {
	script := &testutil.ScriptedLLM{Replies: []string{
		`{"sql":"SELECT name FROM employees WHERE salary > $1 AND department = $2","params":[50000,"IT"],"rationale":"r"}`,
	}}
	gen := NewGenerator(script)

	q, _, err := gen.Generate(context.Background(), GenerateInput{Question: "q"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(q.Params) != 2 {
		t.Fatalf("Params = %v, want 2", q.Params)
	}
	if v, ok := q.Params[0].(float64); !ok || v != 50000 {
		t.Errorf("Params[0] = %v (%T)", q.Params[0], q.Params[0])
	}
	if v, ok := q.Params[1].(string); !ok || v != "IT" {
		t.Errorf("Params[1] = %v (%T)", q.Params[1], q.Params[1])
	}
}

func TestGenerate_StripsFences(t *testing.T) {
	script := &testutil.ScriptedLLM{Replies: []string{
		"```json\n{\"sql\":\"SELECT 1\",\"params\":[],\"rationale\":\"r\"}\n```",
	}}
	gen := NewGenerator(script)

	q, _, err := gen.Generate(context.Background(), GenerateInput{Question: "q"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if q.SQL != "SELECT 1" {
		t.Errorf("SQL = %q", q.SQL)
	}
}

func TestGenerate_BadJSON(t *testing.T) {
	for _, reply := range []string{
		"sorry, I cannot help with that",
		`{"params":[],"rationale":"no sql"}`,
		`{"sql":"   "}`,
	} {
		script := &testutil.ScriptedLLM{Replies: []string{reply}}
		gen := NewGenerator(script)

		_, _, err := gen.Generate(context.Background(), GenerateInput{Question: "q"})
		if !errors.Is(err, errBadQueryJSON) {
			t.Errorf("reply %q: error = %v, want errBadQueryJSON", reply, err)
		}
	}
}

func TestGenerate_FeedbackReprompt(t *testing.T) {
	script := &testutil.ScriptedLLM{Replies: []string{
		`{"sql":"SELECT 1","params":[],"rationale":"r"}`,
	}}
	gen := NewGenerator(script)

	_, _, err := gen.Generate(context.Background(), GenerateInput{
		Question: "q",
		Feedback: "comparison values must be $n placeholders, not inline literals",
		PriorSQL: "SELECT * FROM employees WHERE department = 'IT'",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	prompt := script.LastPrompt()
	if len(prompt) != 4 {
		t.Fatalf("prompt length = %d, want system, question, prior, correction", len(prompt))
	}
	if prompt[2].Role != "assistant" || !strings.Contains(prompt[2].Content, "department = 'IT'") {
		t.Errorf("prior SQL not replayed: %+v", prompt[2])
	}
	if !strings.Contains(prompt[3].Content, "rejected") {
		t.Errorf("correction turn missing the rejection: %+v", prompt[3])
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"{\"sql\":\"SELECT 1\"}", "{\"sql\":\"SELECT 1\"}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  ```json\n{\"a\":1}\n```  ", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeBuddhistYears(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ยอดขายปี 2567", "ยอดขายปี 2024"},
		{"between 2566 and 2567", "between 2023 and 2024"},
		{"revenue in 2024", "revenue in 2024"},
		{"order 25670 stays", "order 25670 stays"},
		{"25 units", "25 units"},
		{"no years here", "no years here"},
	}
	for _, tt := range tests {
		if got := normalizeBuddhistYears(tt.in); got != tt.want {
			t.Errorf("normalizeBuddhistYears(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
