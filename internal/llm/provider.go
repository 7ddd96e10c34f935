package llm

import (
	"context"
	"encoding/json"
)

// Provider is a single grading backend.
type Provider interface {
	// Generate sends a prompt and returns the raw model output.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Request describes what to send to the model.
type Request struct {
	System   string
	Messages []Message

	// JSON asks the provider for a JSON object response.
	JSON bool

	MaxTokens   int
	Temperature float64
}

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Role is the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema is a JSON Schema the grader output is validated against.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Response holds the model output.
type Response struct {
	Content json.RawMessage
	Usage   Usage
	Model   string
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
