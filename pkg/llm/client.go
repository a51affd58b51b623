// Package llm is a minimal chat-completion client used by the LLM-backed proposer.
package llm

import (
	"context"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client sends a conversation and returns the model's reply.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

// SamplingOptions tunes generation. JSONMode asks the provider for a JSON object reply.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
	MaxTokens   int     `json:"max_tokens"`
	JSONMode    bool    `json:"json_mode"`
}

// Response is the first choice of a completion.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)

func (f ClientFunc) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	return f(ctx, messages, options)
}
