package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/siamtech/querygate/internal/lrucache"
	"github.com/siamtech/querygate/llm"
)

const (
	routeTimeout       = 5 * time.Second
	routeCacheTTL      = 10 * time.Minute
	routeCacheCapacity = 500
)

const routePrompt = `You route user questions to a data source. Reply with exactly one word.
database - the question asks for numbers, counts, sums, averages or filters over business tables (employees, salaries, projects, budgets, orders).
documents - the question asks about policies, regulations, manuals or other written documents.
general - anything else.`

// Router classifies questions: the keyword scorer first, then at most
// one terse LLM call for ambiguous input, cached by normalized question.
type Router struct {
	llm   llm.Service
	cache *lrucache.Cache[string, Intent]
}

// NewRouter creates a router backed by the given LLM service.
func NewRouter(service llm.Service) *Router {
	return &Router{
		llm:   service,
		cache: lrucache.New[string, Intent](routeCacheCapacity, routeCacheTTL),
	}
}

// Classify returns the question's intent and the layer that decided it
// ("rule", "cache", "llm" or "none").
func (r *Router) Classify(ctx context.Context, tenantID, question string) (Intent, string) {
	start := time.Now()

	if match := MatchIntent(question); match.Matched {
		slog.Debug("route.rule",
			"tenant", tenantID,
			"intent", match.Intent.String(),
			"structured_score", match.StructuredScore,
			"document_score", match.DocumentScore,
		)
		return match.Intent, "rule"
	}

	key := routeKey(question)
	if intent, ok := r.cache.Get(key); ok {
		slog.Debug("route.cache", "tenant", tenantID, "intent", intent.String())
		return intent, "cache"
	}

	if r.llm == nil {
		return IntentUnknown, "none"
	}

	routeCtx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	result, err := r.llm.Complete(routeCtx,
		llm.FormatMessages(routePrompt, question, nil),
		llm.Params{Tenant: tenantID, MaxTokens: 8, Temperature: ptr(float32(0)), MaxAttempts: 1},
	)
	if err != nil {
		slog.Warn("route.llm_failed", "tenant", tenantID, "error", err)
		return IntentUnknown, "none"
	}

	intent := parseRouteAnswer(result.Content)
	if intent != IntentUnknown {
		r.cache.Set(key, intent, routeCacheTTL)
	}
	slog.Debug("route.llm",
		"tenant", tenantID,
		"intent", intent.String(),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return intent, "llm"
}

func parseRouteAnswer(content string) Intent {
	answer := strings.ToLower(strings.TrimSpace(content))
	switch {
	case strings.HasPrefix(answer, "database"):
		return IntentStructured
	case strings.HasPrefix(answer, "document"):
		return IntentDocument
	default:
		return IntentUnknown
	}
}

// routeKey hashes the normalized question. First 8 bytes are enough.
func routeKey(question string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	hash := sha256.Sum256([]byte(normalized))
	return "route:" + hex.EncodeToString(hash[:8])
}

func ptr[T any](v T) *T {
	return &v
}
