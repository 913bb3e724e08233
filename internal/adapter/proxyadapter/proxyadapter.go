// Package proxyadapter implements the proxy AdapterRuntime variant: requests
// are forwarded essentially as-is to an upstream URL with header rewrites,
// rather than translated through a vendor SDK's own request/response types.
// Used for providers that speak the OpenAI wire format natively and need
// nothing more than a different base URL and header set (self-hosted
// OpenAI-compatible gateways, internal proxies).
//
// Grounded on the teacher's internal/providers/openaicompat (the "talk
// OpenAI wire format to a configurable base URL" shape) but deliberately
// skips the openai-go SDK: proxy providers are defined by NOT needing a
// client library, only a URL and header map, per domain.ProxyConfig.
package proxyadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
)

// Client implements adapter.Runtime by forwarding chat completion requests
// as raw OpenAI-format JSON to cfg.ProxyURL.
type Client struct {
	name       string
	cfg        domain.ProxyConfig
	credential string
	httpClient *http.Client
}

func New(name string, cfg domain.ProxyConfig, credential []byte) *Client {
	return &Client{
		name:       name,
		cfg:        cfg,
		credential: string(credential),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProxyURL+"/models", nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxyadapter: %s: health check: %w", c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxyadapter: %s: health check: status %d", c.name, resp.StatusCode)
	}
	return nil
}

// wireMessage/wireRequest/wireResponse mirror the OpenAI chat completion
// wire shape closely enough to round-trip through a compatible proxy
// without needing a full SDK type graph.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	payload := wireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false, // the proxy variant does not support SSE passthrough; StreamPipe handles streaming at the HTTP boundary instead
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("proxyadapter: %s: encode request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProxyURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("proxyadapter: %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxyadapter: %s: read response: %w", c.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Name: c.name, Code: resp.StatusCode, Body: string(raw)}
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("proxyadapter: %s: decode response: %w", c.name, err)
	}

	content := ""
	if len(wire.Choices) > 0 {
		content = wire.Choices[0].Message.Content
	}
	return &providers.ProxyResponse{
		ID:      wire.ID,
		Model:   wire.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}, nil
}

// applyHeaders sets the bearer credential, then the configured rewrites,
// then strips any headers the provider record says to remove — in that
// order, so a rewrite can override the default bearer header and a removal
// always wins.
func (c *Client) applyHeaders(req *http.Request) {
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	for k, v := range c.cfg.HeaderRewrites {
		req.Header.Set(k, v)
	}
	for _, k := range c.cfg.RemoveHeaders {
		req.Header.Del(k)
	}
}

// StatusError carries the upstream HTTP status for apierr/retry classification.
type StatusError struct {
	Name string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proxyadapter: %s: upstream status %d: %s", e.Name, e.Code, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.Code }
