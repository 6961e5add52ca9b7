// Package fallback implements the last agent in the chain: a plain
// generative answer from the model's own knowledge, clearly marked as
// such so it is never mistaken for tenant data.
package fallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/llm"
)

// Disclaimers prepended to every fallback answer, per response language.
const (
	disclaimerTH = "หมายเหตุ: คำตอบนี้มาจากความรู้ทั่วไปของโมเดล ไม่ได้อ้างอิงข้อมูลภายในขององค์กร"
	disclaimerEN = "Note: this answer draws on general model knowledge, not your organization's data."
)

// Agent answers from the model alone, without tenant data sources.
type Agent struct {
	llm llm.Service
}

// New creates the agent.
func New(service llm.Service) *Agent {
	return &Agent{llm: service}
}

// Name returns the agent type identifier.
func (a *Agent) Name() string { return agent.TypeFallback }

// Execute asks the model directly. The provider is the only dependency,
// so its failure classification is the outcome: transient errors stay
// recoverable for the dispatcher's retry budget, the rest are fatal.
func (a *Agent) Execute(ctx context.Context, req *agent.Request) *agent.Outcome {
	settings := req.GenSettings()
	temp := settings.Temperature
	params := llm.Params{
		Tenant:      req.Tenant.Config.ID,
		Model:       req.Tenant.Config.Model,
		MaxTokens:   settings.MaxTokens,
		Temperature: &temp,
	}

	messages := llm.FormatMessages(systemPrompt(req), req.Question, req.History)
	result, err := a.llm.Complete(ctx, messages, params)
	if err != nil {
		return agent.ClassifyLLM(a.Name(), err)
	}

	answer := strings.TrimSpace(result.Content)
	if answer == "" {
		return agent.Recoverablef(a.Name(), agent.CodeBug,
			"empty fallback completion for tenant %s", req.Tenant.Config.ID)
	}

	return agent.Succeed(a.Name(), disclaimer(req.Language())+"\n\n"+answer, agent.Meta{
		Usage: result.Usage,
	})
}

func disclaimer(lang string) string {
	if lang == "th" {
		return disclaimerTH
	}
	return disclaimerEN
}

func systemPrompt(req *agent.Request) string {
	cfg := req.Tenant.Config

	var b strings.Builder
	fmt.Fprintf(&b, "You are the assistant for %s", cfg.Name)
	if cfg.Description != "" {
		fmt.Fprintf(&b, " (%s)", cfg.Description)
	}
	b.WriteString(".\n")
	b.WriteString("The company's database and document index could not answer this question, so answer from your general knowledge.\n")
	b.WriteString("Be honest about uncertainty and do not invent company-specific facts.\n")
	if req.Language() == "th" {
		b.WriteString("Answer in Thai.\n")
	} else {
		b.WriteString("Answer in English.\n")
	}
	return b.String()
}
