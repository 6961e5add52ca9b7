package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/llm"
)

// Search modes understood by the retrieval service. Hybrid mixes
// keyword and vector scores and is gated per tenant.
const (
	SearchSemantic = "SEMANTIC"
	SearchHybrid   = "HYBRID"
)

// Agent answers document questions from the tenant's knowledge base.
// Every synthesized fact must cite the passage it came from.
type Agent struct {
	llm    llm.Service
	client *Client
}

// New creates the agent.
func New(service llm.Service, client *Client) *Agent {
	return &Agent{llm: service, client: client}
}

// Name returns the agent type identifier.
func (a *Agent) Name() string { return agent.TypeKnowledgeBase }

// Execute retrieves passages and synthesizes a cited answer. No
// passages, an unreachable retrieval service and provider failures are
// all recoverable so the chain can fall through.
func (a *Agent) Execute(ctx context.Context, req *agent.Request) *agent.Outcome {
	rt := req.Tenant
	kbCfg := rt.Config.KnowledgeBase
	if kbCfg.Endpoint == "" || kbCfg.ID == "" {
		return agent.Recoverablef(a.Name(), agent.CodeKBUnavailable,
			"tenant %s has no knowledge base bound", rt.Config.ID)
	}

	passages, err := a.client.Retrieve(ctx, kbCfg.Endpoint, SearchRequest{
		KBID:       kbCfg.ID,
		Prefix:     kbCfg.Prefix,
		Query:      req.Question,
		TopK:       kbCfg.MaxResults,
		SearchType: a.searchType(req),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return agent.Recoverable(a.Name(), agent.CodeTimeout, err)
		}
		var re *RetrievalError
		if errors.As(err, &re) && !re.Transient() {
			// A 4xx will not heal on its own; the tenant binding is wrong.
			slog.Error("kb.retrieve.rejected",
				"tenant", rt.Config.ID,
				"kb_id", kbCfg.ID,
				"status", re.Status,
			)
		}
		return agent.Recoverable(a.Name(), agent.CodeKBUnavailable, err)
	}
	// No hits is not an outage; the plain code lets the chain fall
	// through without claiming the service failed.
	if len(passages) == 0 {
		return agent.Recoverablef(a.Name(), agent.CodeNone,
			"no passages matched in %s", kbCfg.ID)
	}

	settings := req.GenSettings()
	temp := settings.Temperature
	params := llm.Params{
		Tenant:      rt.Config.ID,
		Model:       rt.Config.Model,
		MaxTokens:   settings.MaxTokens,
		Temperature: &temp,
	}
	messages := llm.FormatMessages(synthesisPrompt(passages, req.Language()), req.Question, req.History)

	var usage llm.Usage
	result, err := a.llm.Complete(ctx, messages, params)
	if err != nil {
		return agent.ClassifyLLM(a.Name(), err)
	}
	addUsage(&usage, result.Usage)

	answer := strings.TrimSpace(result.Content)
	if answer == "" {
		return agent.Recoverablef(a.Name(), agent.CodeBug, "empty synthesis for %s", kbCfg.ID)
	}

	// An uncited answer cannot be checked against the passages; ask for
	// the markers once before accepting it.
	if !citationPattern.MatchString(answer) {
		slog.Debug("kb.synthesis.uncited", "tenant", rt.Config.ID)
		retryMessages := append(messages,
			llm.AssistantMessage(answer),
			llm.UserMessage("Add the [p#] passage marker after every fact. Keep the answer otherwise unchanged."))
		retry, err := a.llm.Complete(ctx, retryMessages, params)
		if err == nil {
			addUsage(&usage, retry.Usage)
			if cited := strings.TrimSpace(retry.Content); citationPattern.MatchString(cited) {
				answer = cited
			}
		}
	}

	return agent.Succeed(a.Name(), answer, agent.Meta{
		Passages: len(passages),
		Usage:    usage,
	})
}

// searchType resolves the effective mode: hybrid needs both the global
// flag and the tenant's own opt-in, anything else degrades to semantic.
func (a *Agent) searchType(req *agent.Request) string {
	mode := strings.ToUpper(req.Tenant.Config.KnowledgeBase.SearchType)
	if mode == SearchHybrid &&
		req.Tenant.Flags().EnableHybridSearch &&
		req.Settings().AllowHybridSearch {
		return SearchHybrid
	}
	return SearchSemantic
}

var citationPattern = regexp.MustCompile(`\[p\d+\]`)

func synthesisPrompt(passages []Passage, lang string) string {
	var b strings.Builder
	b.WriteString("You answer one question strictly from the numbered passages below.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. Use only facts stated in the passages. If they do not contain the answer, say you could not find it.\n")
	b.WriteString("2. Mark every fact with the passage it came from, like [p1] or [p3].\n")
	fmt.Fprintf(&b, "3. Answer in %s.\n\nPassages:\n", languageName(lang))

	for i, p := range passages {
		fmt.Fprintf(&b, "[p%d]", i+1)
		if p.Source != "" {
			fmt.Fprintf(&b, " (%s)", p.Source)
		}
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(p.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func languageName(code string) string {
	if code == "th" {
		return "Thai"
	}
	return "English"
}

func addUsage(total *llm.Usage, u llm.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.TotalMs += u.TotalMs
	if total.FirstTokenMs == 0 {
		total.FirstTokenMs = u.FirstTokenMs
	}
}
