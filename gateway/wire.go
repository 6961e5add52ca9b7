// Package gateway serves the OpenAI-compatible chat facade and the
// operational endpoints in front of the agent dispatcher.
package gateway

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// ChatMessage is one turn of an OpenAI-style conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the accepted POST /v1/chat/completions body.
// Unknown fields are ignored so standard OpenAI clients work unchanged;
// tenant_id and agent_type are the gateway's own extensions.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float32      `json:"temperature"`
	User        string        `json:"user"`
	TenantID    string        `json:"tenant_id"`
	AgentType   string        `json:"agent_type"`
}

// UsageBlock mirrors the OpenAI usage object.
type UsageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one non-streaming completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming response envelope.
type ChatCompletionResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []Choice    `json:"choices"`
	Usage   *UsageBlock `json:"usage,omitempty"`
}

// Delta is the incremental message fragment of one streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one streaming chunk choice. FinishReason stays null
// until the final frame.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE data frame.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *UsageBlock   `json:"usage,omitempty"`
}

// ErrorBody is the OpenAI error object.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ErrorResponse is the error envelope of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ModelInfo describes one logical model in the models listing. Name and
// Description carry the owning tenant's metadata.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModelList is the GET /v1/models envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// newCompletionID mints the id shared by every frame of one completion.
func newCompletionID() string {
	return "chatcmpl-" + shortuuid.New()
}

func nowUnix() int64 { return time.Now().Unix() }
