package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Completer is the opaque AI capability the generation loop consumes:
// conversation plus tool menu in, content blocks out.
type Completer interface {
	CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error)
}

// Client talks to the Anthropic messages API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	usageMu sync.Mutex
	usage   Usage
}

// NewClient creates an API client. baseURL is overridable for tests; empty
// selects the production endpoint. model is the default used when a request
// does not name one.
func NewClient(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1/messages"
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
}

// CreateMessage sends one conversation turn and returns the model's reply.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 8192
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case 429:
			return nil, fmt.Errorf("RATE_LIMIT: completion API rate limit exceeded")
		case 401:
			return nil, fmt.Errorf("UNAUTHORIZED: invalid completion API key")
		case 403:
			return nil, fmt.Errorf("FORBIDDEN: completion API access denied")
		case 402:
			return nil, fmt.Errorf("QUOTA_EXCEEDED: completion API quota exhausted")
		case 500, 502, 503, 504, 529:
			return nil, fmt.Errorf("SERVICE_ERROR: completion service unavailable (status %d)", resp.StatusCode)
		default:
			return nil, fmt.Errorf("API_ERROR: completion request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}

	var out MessagesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	c.usageMu.Lock()
	c.usage.InputTokens += out.Usage.InputTokens
	c.usage.OutputTokens += out.Usage.OutputTokens
	c.usageMu.Unlock()

	return &out, nil
}

// TotalUsage returns the accumulated token usage for this client.
func (c *Client) TotalUsage() Usage {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return c.usage
}
