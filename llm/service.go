package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Usage carries token counts and timing for a single LLM call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	FirstTokenMs     int64 `json:"first_token_ms,omitempty"`
	TotalMs          int64 `json:"total_ms"`
}

// Result is the outcome of a non-streaming completion.
type Result struct {
	Content string
	Usage   Usage
}

// Params are per-call options. Zero values inherit the service defaults,
// so a tenant's settings override only what it configures.
type Params struct {
	Tenant      string   // accounting label, never sent upstream
	Model       string   // overrides the configured model
	MaxTokens   int      // overrides the configured max tokens
	Temperature *float32 // nil inherits the configured temperature
	JSONMode    bool     // request a json_object response format
	MaxAttempts int      // total attempts including the first; 0 inherits
}

// UsageRecorder receives per-tenant token accounting after every call.
// The gateway wires this to its metrics; quota policy can hook here later.
type UsageRecorder interface {
	RecordUsage(tenant string, usage Usage)
}

// Service is the provider-neutral completion interface agents call.
type Service interface {
	// Complete performs a synchronous completion.
	Complete(ctx context.Context, messages []Message, params Params) (*Result, error)

	// Stream performs a streaming completion. Deltas arrive on the content
	// channel in generation order; the usage channel delivers final stats
	// and is closed when the stream ends.
	Stream(ctx context.Context, messages []Message, params Params) (<-chan string, <-chan *Usage, <-chan error)

	// Warmup sends a lightweight ping request to establish and warm up the
	// upstream connection. Failures only cost first-request latency.
	Warmup(ctx context.Context)
}

// Config represents LLM service configuration.
type Config struct {
	Provider    string // openai, deepseek, siliconflow, dashscope, openrouter, ollama, bedrock-gateway
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 1024
	Temperature float32 // default: 0.7
	Timeout     int     // request timeout in seconds (default: 120)
	MaxAttempts int     // total attempts per call (default: 3)

	Recorder UsageRecorder // optional token accounting sink
}

type service struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     int
	maxAttempts int
	recorder    UsageRecorder
}

// NewService creates a new LLM Service speaking the OpenAI-compatible
// protocol against whichever provider the config names.
func NewService(cfg *Config) (Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}

	httpClient := newHTTPClient()
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = httpClient

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "deepseek":
			baseURL = "https://api.deepseek.com"
		case "siliconflow":
			baseURL = "https://api.siliconflow.cn/v1"
		case "dashscope":
			baseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1"
		case "ollama":
			baseURL = "http://localhost:11434"
		case "bedrock-gateway":
			// OpenAI-compatible front for AWS Bedrock (bedrock-access-gateway)
			baseURL = "http://localhost:8000/api/v1"
		case "openai", "":
			// library default
		default:
			slog.Info("Using generic OpenAI-compatible provider", "provider", cfg.Provider)
		}
	}
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	client := openai.NewClientWithConfig(clientConfig)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &service{
		client:      client,
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		recorder:    cfg.Recorder,
	}, nil
}

func (s *service) buildRequest(messages []Message, params Params) openai.ChatCompletionRequest {
	model := params.Model
	if model == "" {
		model = s.model
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}
	temperature := s.temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    convertMessages(messages),
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func (s *service) attempts(params Params) int {
	if params.MaxAttempts > 0 {
		return params.MaxAttempts
	}
	return s.maxAttempts
}

func (s *service) record(tenant string, usage Usage) {
	if s.recorder != nil {
		s.recorder.RecordUsage(tenant, usage)
	}
}

func (s *service) Complete(ctx context.Context, messages []Message, params Params) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	req := s.buildRequest(messages, params)

	slog.Debug("llm.complete.request",
		"model", req.Model,
		"messages", len(messages),
		"max_tokens", req.MaxTokens,
		"json_mode", params.JSONMode,
	)

	startTime := time.Now()

	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, s.attempts(params), func() error {
		var callErr error
		resp, callErr = s.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		slog.Error("llm.complete.failed", "model", req.Model, "error", err)
		return nil, fmt.Errorf("llm completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from LLM")
	}

	totalDuration := time.Since(startTime)
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		TotalMs:          totalDuration.Milliseconds(),
	}
	s.record(params.Tenant, usage)

	slog.Debug("llm.complete.done",
		"model", req.Model,
		"content_length", len(resp.Choices[0].Message.Content),
		"total_tokens", usage.TotalTokens,
		"duration_ms", usage.TotalMs,
	)

	return &Result{Content: resp.Choices[0].Message.Content, Usage: usage}, nil
}

func (s *service) Stream(ctx context.Context, messages []Message, params Params) (<-chan string, <-chan *Usage, <-chan error) {
	contentChan := make(chan string, 10)
	usageChan := make(chan *Usage, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(usageChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		req := s.buildRequest(messages, params)
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		startTime := time.Now()
		var firstChunkTime time.Time

		var stream *openai.ChatCompletionStream
		err := withRetry(ctx, s.attempts(params), func() error {
			var callErr error
			stream, callErr = s.client.CreateChatCompletionStream(ctx, req)
			return callErr
		})
		if err != nil {
			select {
			case errChan <- fmt.Errorf("create stream failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }()

		chunkCount := 0
		finish := func(u *Usage) {
			u.TotalMs = time.Since(startTime).Milliseconds()
			if !firstChunkTime.IsZero() {
				u.FirstTokenMs = firstChunkTime.Sub(startTime).Milliseconds()
			}
			s.record(params.Tenant, *u)
			usageChan <- u
		}

		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					finish(&Usage{})
					return
				}
				slog.Error("llm.stream.recv_failed", "error", err, "chunks", chunkCount)
				select {
				case errChan <- fmt.Errorf("stream recv failed: %w", err):
				case <-ctx.Done():
				}
				return
			}

			if firstChunkTime.IsZero() && len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				firstChunkTime = time.Now()
			}

			// Final frame with usage when StreamOptions.IncludeUsage is honored.
			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				finish(&Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				})
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if delta := response.Choices[0].Delta.Content; delta != "" {
				chunkCount++
				select {
				case contentChan <- delta:
				case <-ctx.Done():
					slog.Warn("llm.stream.cancelled", "chunks", chunkCount)
					return
				}
			}

			// After the finish frame some providers still send a trailing
			// usage-only frame, so keep draining until that or EOF.
		}
	}()

	return contentChan, usageChan, errChan
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slog.Info("llm.warmup.start", "provider", s.provider, "model", s.model)
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	}

	_, err := s.client.CreateChatCompletion(warmupCtx, req)
	duration := time.Since(startTime)

	if err != nil {
		slog.Warn("llm.warmup.failed",
			"provider", s.provider,
			"model", s.model,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return
	}

	slog.Info("llm.warmup.done",
		"provider", s.provider,
		"model", s.model,
		"duration_ms", duration.Milliseconds(),
	)
}

// Ping verifies the provider answers at all. Used by strict startup.
func Ping(ctx context.Context, svc Service) error {
	_, err := svc.Complete(ctx, []Message{UserMessage("ping")}, Params{MaxTokens: 1, MaxAttempts: 1})
	return err
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = openai.ChatMessageRoleUser
		}
		llmMessages[i] = openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		}
	}
	return llmMessages
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// FormatMessages assembles a prompt from an optional system preamble,
// prior turns, and the new user content.
func FormatMessages(systemPrompt string, userContent string, history []Message) []Message {
	messages := []Message{}
	if systemPrompt != "" {
		messages = append(messages, SystemPrompt(systemPrompt))
	}
	messages = append(messages, history...)
	messages = append(messages, UserMessage(userContent))
	return messages
}
