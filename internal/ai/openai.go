package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint,
// OpenRouter included.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	apiKey string
}

// headerTransport adds the attribution headers OpenRouter asks for.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	return newOpenAIProvider(baseURL, apiKey, model, nil)
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	headers := map[string]string{}
	if siteURL != "" {
		headers["HTTP-Referer"] = siteURL
	}
	if appName != "" {
		headers["X-Title"] = appName
	}
	return newOpenAIProvider(baseURL, apiKey, model, headers)
}

func newOpenAIProvider(baseURL, apiKey, model string, headers map[string]string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if len(headers) > 0 {
		cfg.HTTPClient = &http.Client{Transport: headerTransport{base: http.DefaultTransport, headers: headers}}
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  strings.TrimSpace(model),
		apiKey: apiKey,
	}
}

func (p *OpenAIProvider) check() error {
	if strings.TrimSpace(p.apiKey) == "" {
		return fmt.Errorf("%w: openai: api key is required", ErrEngineNotConfigured)
	}
	if p.model == "" {
		return fmt.Errorf("%w: openai: model is required", ErrEngineNotConfigured)
	}
	return nil
}

func (p *OpenAIProvider) request(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
		Stream:   stream,
		User:     req.SessionID,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := p.check(); err != nil {
			errs <- err
			return
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
		if err != nil {
			errs <- fmt.Errorf("openai: %w", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("openai: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return chunks, errs
}
