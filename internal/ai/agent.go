package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentProvider calls the agent execution engine. The engine owns tool use
// and model fallback; to the relay it is a byte stream, or a JSON reply in
// non-streaming mode.
type AgentProvider struct {
	BaseURL      string
	APIKey       string
	Client       *http.Client
	StreamClient *http.Client
}

type agentReq struct {
	SessionID       string    `json:"session_id"`
	Messages        []Message `json:"messages"`
	EnableWebSearch bool      `json:"enable_web_search"`
	Stream          bool      `json:"stream"`
}

type agentResp struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func NewAgentProvider(baseURL, apiKey string) *AgentProvider {
	return &AgentProvider{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		Client:       &http.Client{Timeout: 5 * time.Minute},
		StreamClient: &http.Client{},
	}
}

func (p *AgentProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: agent: AGENT_BASE_URL is empty", ErrEngineNotConfigured)
	}
	b, err := json.Marshal(agentReq{
		SessionID:       req.SessionID,
		Messages:        req.Messages,
		EnableWebSearch: req.EnableWebSearch,
		Stream:          stream,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	return httpReq, nil
}

func (p *AgentProvider) Chat(ctx context.Context, req Request) (string, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError("agent", resp)
	}
	var decoded agentResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Content, nil
}

// StreamChat forwards the response body as it arrives, one fragment per read.
func (p *AgentProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		httpReq, err := p.newRequest(ctx, req, true)
		if err != nil {
			errs <- err
			return
		}
		client := p.StreamClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- statusError("agent", resp)
			return
		}

		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case chunks <- string(buf[:n]):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- err
				return
			}
		}
	}()

	return chunks, errs
}
