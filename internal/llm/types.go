package llm

import (
	"context"

	"github.com/bookforge/bookforge/pkg/models"
)

// GenerateRequest is one text generation call against a provider
type GenerateRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// GenerateResponse carries the generated text and provider usage
type GenerateResponse struct {
	Text  string
	Usage models.Usage
}

// TextProvider is the contract the pipeline consumes for text generation.
// Implementations classify their errors via ProviderError and do not retry
// internally; retry policy belongs to the phase that issued the call.
type TextProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Message is one chat message in the OpenAI-compatible wire format
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the OpenAI-compatible request body
type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	N           int       `json:"n"`
}

// chatCompletionResponse is the OpenAI-compatible response body
type chatCompletionResponse struct {
	Choices []choice  `json:"choices"`
	Usage   wireUsage `json:"usage"`
}

type choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// errorResponse is the provider error envelope
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
