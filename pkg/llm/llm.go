// Package llm defines the language-model capability interfaces and the
// provider adapters. The kernel never talks to a provider SDK directly;
// everything goes through Client and Embedder.
package llm

import (
	"context"
	"encoding/json"
)

// Role of a conversation message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a prior tool call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn of the provider conversation. A user message may carry
// tool results answering the previous assistant turn; an assistant message
// may carry the tool calls it emitted.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSpec declares one callable tool with its JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Request is one model call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Response is the model's reply: accumulated text plus any tool calls.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Client is the chat capability.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// Embedder is the text-embedding capability backing the vector index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
