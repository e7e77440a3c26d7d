package ai

import (
	"context"
	"strings"
)

// Engines holds the endpoints of every engine the relay can route to. An
// empty field leaves that engine registered but unconfigured.
type Engines struct {
	AgentBaseURL string
	AgentAPIKey  string

	OllamaBaseURL string
	OllamaModel   string

	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
}

// NewDefaultRegistry registers agent, ollama, openrouter and openai. A
// request-level model overrides the configured default.
func NewDefaultRegistry(e Engines) *Registry {
	reg := NewRegistry()

	reg.Register("agent", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewAgentProvider(e.AgentBaseURL, e.AgentAPIKey), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOllamaProvider(e.OllamaBaseURL, pick(model, e.OllamaModel)), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOpenRouterProvider(e.OpenRouterBaseURL, e.OpenRouterAPIKey, pick(model, e.OpenRouterModel),
			e.OpenRouterSiteURL, e.OpenRouterAppName), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOpenAIProvider(e.OpenAIBaseURL, e.OpenAIAPIKey, pick(model, e.OpenAIModel)), nil
	})
	return reg
}

func pick(model, fallback string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return fallback
}
