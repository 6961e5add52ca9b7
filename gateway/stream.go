package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/siamtech/querygate/agent"
)

const (
	// heartbeatInterval paces the zero-content chunks that keep proxies
	// from cutting an idle SSE connection while the agents work.
	heartbeatInterval = 15 * time.Second

	// deltaRunes is the answer slice size per content chunk.
	deltaRunes = 48
)

// streamCompletion renders one dispatch as an OpenAI-compatible SSE
// stream: a role chunk, content deltas, a finishing chunk with usage,
// then [DONE]. Failures after the stream opened are delivered as a
// content delta so stock OpenAI clients still display them.
func (s *Server) streamCompletion(ctx context.Context, c echo.Context, req *agent.Request, model string) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	completionID := newCompletionID()
	created := nowUnix()

	chunk := func(delta Delta, finish *string, usage *UsageBlock) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			Usage:   usage,
		}
	}

	write := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
			return err
		}
		c.Response().Flush()
		return nil
	}

	terminate := func() error {
		if _, err := fmt.Fprint(c.Response(), "data: [DONE]\n\n"); err != nil {
			return err
		}
		c.Response().Flush()
		return nil
	}

	// announce the assistant role before the first delta
	if err := write(chunk(Delta{Role: "assistant"}, nil, nil)); err != nil {
		return err
	}

	outcomes := make(chan *agent.Outcome, 1)
	start := time.Now()
	go func() { outcomes <- s.dispatch.Dispatch(ctx, req) }()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	var out *agent.Outcome
wait:
	for {
		select {
		case out = <-outcomes:
			break wait
		case <-heartbeat.C:
			if err := write(chunk(Delta{}, nil, nil)); err != nil {
				return err
			}
		case <-ctx.Done():
			out = agent.Fatal("dispatcher", agent.CodeTimeout, ctx.Err())
			break wait
		}
	}

	s.recordOutcome(req.Tenant.Config.ID, out, time.Since(start))

	finish := "stop"
	if !out.OK() {
		s.logFailure(req, out)
		_, code, msg := mapOutcome(out)
		if err := write(chunk(Delta{Content: fmt.Sprintf("[%s] %s", code, msg)}, nil, nil)); err != nil {
			return err
		}
		if err := write(chunk(Delta{}, &finish, nil)); err != nil {
			return err
		}
		return terminate()
	}

	for _, piece := range chunked(out.Answer, deltaRunes) {
		if err := write(chunk(Delta{Content: piece}, nil, nil)); err != nil {
			return err
		}
	}
	if err := write(chunk(Delta{}, &finish, usageBlock(out))); err != nil {
		return err
	}
	return terminate()
}

// chunked slices s into rune-safe pieces of at most n runes.
func chunked(s string, n int) []string {
	if s == "" {
		return nil
	}
	var out []string
	runes := []rune(s)
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return append(out, string(runes))
}
