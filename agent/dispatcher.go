package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
)

// State names one phase of a dispatch execution.
type State string

const (
	StateClassifying State = "classifying"
	StateSelecting   State = "selecting"
	StateRunning     State = "running"
	StateRendering   State = "rendering"
	StateRetrying    State = "retrying"
	StateDone        State = "done"
)

// canonical fallback order; a dispatch enters at its selected agent and
// only moves rightward.
var fallbackOrder = []string{TypePostgres, TypeKnowledgeBase, TypeFallback}

// Dispatcher selects an agent for each request and walks the fallback
// chain within the retry and deadline budgets.
type Dispatcher struct {
	agents  map[string]Agent
	router  *Router
	metrics *metrics.Exporter
}

// NewDispatcher wires the registered agents. The metrics exporter may be
// nil in tests.
func NewDispatcher(router *Router, exporter *metrics.Exporter, agents ...Agent) *Dispatcher {
	byName := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byName[a.Name()] = a
	}
	return &Dispatcher{agents: byName, router: router, metrics: exporter}
}

// Dispatch answers the request with the first agent that succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Outcome {
	out, _ := d.dispatch(ctx, req)
	return out
}

// dispatch also returns the state trace for tests.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request) (*Outcome, []State) {
	policy := req.Tenant.Policy()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout())
		defer cancel()
	}

	trace := []State{StateClassifying}

	first, out := d.selectFirst(ctx, req)
	if out != nil {
		return out, append(trace, StateDone)
	}

	chain := d.chain(req.Tenant, first)
	if len(chain) == 0 {
		return Fatalf("dispatcher", CodeAgentDisabled, "no agent enabled for tenant %s", req.Tenant.Config.ID), append(trace, StateDone)
	}

	retryBudget := policy.RetryCount
	if retryBudget <= 0 {
		retryBudget = len(chain)
	}

	var last *Outcome
	attempts := 0
	for i, name := range chain {
		if attempts >= retryBudget {
			break
		}
		if err := ctx.Err(); err != nil {
			return Fatal(name, CodeTimeout, err), append(trace, StateDone)
		}

		trace = append(trace, StateSelecting, StateRunning)
		attempts++
		start := time.Now()
		out := d.agents[name].Execute(ctx, req)
		elapsed := time.Since(start)

		slog.Info("dispatch.attempt",
			"request_id", req.ID,
			"tenant", req.Tenant.Config.ID,
			"agent", name,
			"attempt", attempts,
			"status", out.Status.String(),
			"code", string(out.Code),
			"latency_ms", elapsed.Milliseconds(),
		)

		switch out.Status {
		case StatusSuccess:
			return out, append(trace, StateRendering, StateDone)
		case StatusFatal:
			return out, append(trace, StateDone)
		}

		// recoverable: advance the chain
		last = out
		if i+1 < len(chain) && attempts < retryBudget {
			if d.metrics != nil {
				d.metrics.RecordAgentFallback(req.Tenant.Config.ID, name, chain[i+1])
			}
			trace = append(trace, StateRetrying)
		}
	}

	if last == nil {
		last = Fatalf("dispatcher", CodeBug, "dispatch loop ended without outcome")
	}
	return last, append(trace, StateDone)
}

// selectFirst resolves the entry point of the chain. A non-nil outcome
// short-circuits the dispatch (explicitly requested agent is disabled).
func (d *Dispatcher) selectFirst(ctx context.Context, req *Request) (string, *Outcome) {
	if t := req.AgentType; t != "" && t != tenant.AgentAuto {
		if !d.enabled(req.Tenant, t) {
			return "", Fatalf(t, CodeAgentDisabled, "agent %s disabled for tenant %s", t, req.Tenant.Config.ID)
		}
		return t, nil
	}

	if t := req.Settings().DefaultAgentType; t != "" && t != tenant.AgentAuto {
		return t, nil
	}

	intent, source := d.router.Classify(ctx, req.Tenant.Config.ID, req.Question)
	slog.Debug("dispatch.classified",
		"request_id", req.ID,
		"tenant", req.Tenant.Config.ID,
		"intent", intent.String(),
		"source", source,
	)

	if t := intent.AgentType(); t != "" {
		return t, nil
	}
	// nothing matched; enter the chain at the configured terminal agent
	fallback := req.Tenant.Policy().FallbackAgent
	if fallback == "" {
		fallback = TypeFallback
	}
	return fallback, nil
}

// chain lists the enabled agents from the entry point rightward along
// the canonical order.
func (d *Dispatcher) chain(rt *tenant.Runtime, first string) []string {
	start := 0
	for i, name := range fallbackOrder {
		if name == first {
			start = i
			break
		}
	}

	var out []string
	for _, name := range fallbackOrder[start:] {
		if d.enabled(rt, name) {
			out = append(out, name)
		}
	}
	return out
}

func (d *Dispatcher) enabled(rt *tenant.Runtime, name string) bool {
	if d.agents[name] == nil {
		return false
	}
	s := rt.Config.Settings
	switch name {
	case TypePostgres:
		return s.PostgresEnabled()
	case TypeKnowledgeBase:
		return s.KnowledgeBaseEnabled()
	case TypeFallback:
		return s.FallbackEnabled()
	}
	return false
}
