package ai

import (
	"context"
	"errors"
)

// ErrEngineNotConfigured means the upstream cannot be reached at all, e.g. a
// missing endpoint. It is terminal for the request.
var ErrEngineNotConfigured = errors.New("ai: engine not configured")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is what the relay hands to an engine. Messages are already
// trimmed and security-cleared.
type Request struct {
	SessionID       string
	Messages        []Message
	EnableWebSearch bool
}

// Provider produces a whole reply.
type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
}
