// Package ai talks to text-generation backends and renders the work-log prompts.
package ai

import "context"

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a single-shot chat completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Named is implemented by providers that know which model they call.
type Named interface {
	ModelName() string
}
