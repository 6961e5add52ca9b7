package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/siamtech/querygate/llm"
)

// maxCandidates bounds generation attempts per request; the second
// attempt carries the gate feedback of the first.
const maxCandidates = 2

// errBadQueryJSON marks an undecodable generation. The caller re-prompts
// with feedback instead of failing the request outright.
var errBadQueryJSON = errors.New("generated query is not the required JSON object")

// GeneratedQuery is one parameterized candidate from the model.
type GeneratedQuery struct {
	SQL       string
	Params    []any
	Rationale string
	Tables    []string // filled by the safety gate
}

// GenerateInput carries everything one generation attempt needs.
type GenerateInput struct {
	Tenant    string
	Model     string
	Question  string
	Summary   string
	Language  string
	MaxTokens int
	Feedback  string // gate rejection from the prior attempt, empty on the first
	PriorSQL  string
}

// Generator turns questions into parameterized SELECT statements via a
// JSON-mode completion.
type Generator struct {
	llm llm.Service
}

func NewGenerator(service llm.Service) *Generator {
	return &Generator{llm: service}
}

const generatorPrompt = `You translate one business question into one PostgreSQL SELECT statement.

Rules:
1. Answer with a single JSON object: {"sql": "...", "params": [...], "rationale": "..."}.
2. One statement only, SELECT or WITH ... SELECT. Never INSERT, UPDATE, DELETE, DROP, CREATE, ALTER, TRUNCATE, GRANT, REVOKE, COPY, CALL, DO, VACUUM, ANALYZE or LOCK.
3. Every comparison value is a $n placeholder with its value listed in "params" in order. No inline string or date literals in WHERE.
4. Use only the tables and columns listed in the schema. LEFT JOIN when related rows may be missing.
5. Aggregate with COUNT, SUM, AVG, MIN, MAX and GROUP BY where the question calls for it.
6. Write "rationale" in %s, one sentence.

Today is %s. Years in the question are Gregorian.

Schema:
%s`

// Generate asks the model for one candidate query. Decode failures
// return errBadQueryJSON wrapped, with the usage already spent.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*GeneratedQuery, llm.Usage, error) {
	system := fmt.Sprintf(generatorPrompt,
		languageName(in.Language), time.Now().Format("2006-01-02"), in.Summary)

	messages := []llm.Message{llm.SystemPrompt(system), llm.UserMessage(in.Question)}
	if in.Feedback != "" {
		if in.PriorSQL != "" {
			messages = append(messages, llm.AssistantMessage(in.PriorSQL))
		}
		messages = append(messages, llm.UserMessage(
			fmt.Sprintf("That query was rejected: %s. Return a corrected JSON object.", in.Feedback)))
	}

	result, err := g.llm.Complete(ctx, messages, llm.Params{
		Tenant:      in.Tenant,
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: ptr(float32(0)),
		JSONMode:    true,
	})
	if err != nil {
		return nil, llm.Usage{}, err
	}

	q, err := decodeQuery(result.Content)
	if err != nil {
		return nil, result.Usage, err
	}
	return q, result.Usage, nil
}

func decodeQuery(content string) (*GeneratedQuery, error) {
	var wire struct {
		SQL       string `json:"sql"`
		Params    []any  `json:"params"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadQueryJSON, err)
	}
	if strings.TrimSpace(wire.SQL) == "" {
		return nil, fmt.Errorf("%w: empty sql field", errBadQueryJSON)
	}
	return &GeneratedQuery{
		SQL:       strings.TrimSpace(wire.SQL),
		Params:    wire.Params,
		Rationale: strings.TrimSpace(wire.Rationale),
	}, nil
}

// stripFences unwraps a ```json ... ``` fenced answer. Some models fence
// even in JSON mode.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var buddhistYearPattern = regexp.MustCompile(`\b25[0-9]{2}\b`)

// normalizeBuddhistYears rewrites Buddhist-era years to Gregorian so
// generated date filters match the stored data (2567 -> 2024).
func normalizeBuddhistYears(question string) string {
	return buddhistYearPattern.ReplaceAllStringFunc(question, func(m string) string {
		year, err := strconv.Atoi(m)
		if err != nil {
			return m
		}
		return strconv.Itoa(year - 543)
	})
}

func languageName(code string) string {
	if code == "th" {
		return "Thai"
	}
	return "English"
}

func ptr[T any](v T) *T {
	return &v
}
