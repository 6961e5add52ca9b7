package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/siamtech/querygate/llm"
)

// ScriptedLLM is an llm.Service fed from a fixed list of replies.
// Replies are consumed in call order; when the list runs out the last
// reply repeats. Err, when set, fails every call.
type ScriptedLLM struct {
	mu      sync.Mutex
	Replies []string
	Err     error

	// CompleteFunc overrides the scripted behavior entirely.
	CompleteFunc func(ctx context.Context, messages []llm.Message, params llm.Params) (*llm.Result, error)

	calls  int
	Prompt [][]llm.Message // recorded messages per call
	Params []llm.Params    // recorded params per call
}

// Calls reports how many completion calls were made.
func (s *ScriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedLLM) next(messages []llm.Message, params llm.Params) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.Prompt = append(s.Prompt, messages)
	s.Params = append(s.Params, params)

	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Replies) == 0 {
		return "", fmt.Errorf("scripted llm: no replies configured")
	}
	i := s.calls - 1
	if i >= len(s.Replies) {
		i = len(s.Replies) - 1
	}
	return s.Replies[i], nil
}

func (s *ScriptedLLM) Complete(ctx context.Context, messages []llm.Message, params llm.Params) (*llm.Result, error) {
	if s.CompleteFunc != nil {
		return s.CompleteFunc(ctx, messages, params)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := s.next(messages, params)
	if err != nil {
		return nil, err
	}
	return &llm.Result{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     10,
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      10 + len(strings.Fields(content)),
		},
	}, nil
}

// Stream chunks the scripted reply word by word.
func (s *ScriptedLLM) Stream(ctx context.Context, messages []llm.Message, params llm.Params) (<-chan string, <-chan *llm.Usage, <-chan error) {
	contentChan := make(chan string, 10)
	usageChan := make(chan *llm.Usage, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(usageChan)
		defer close(errChan)

		result, err := s.Complete(ctx, messages, params)
		if err != nil {
			errChan <- err
			return
		}
		words := strings.SplitAfter(result.Content, " ")
		for _, w := range words {
			select {
			case contentChan <- w:
			case <-ctx.Done():
				return
			}
		}
		usage := result.Usage
		usageChan <- &usage
	}()

	return contentChan, usageChan, errChan
}

func (s *ScriptedLLM) Warmup(ctx context.Context) {}

// LastPrompt returns the messages of the most recent call.
func (s *ScriptedLLM) LastPrompt() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Prompt) == 0 {
		return nil
	}
	return s.Prompt[len(s.Prompt)-1]
}

var _ llm.Service = (*ScriptedLLM)(nil)
