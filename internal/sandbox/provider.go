// Package sandbox manages ephemeral remote execution environments.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrProvision is returned when the remote provider fails to create or run a
// sandbox.
var ErrProvision = errors.New("sandbox: remote provisioning failed")

// CommandResult captures the outcome of a command run inside a sandbox.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Provider is the remote ephemeral-sandbox service: create, file read/write,
// command run, and public host resolution.
type Provider interface {
	Create(ctx context.Context) (remoteID string, err error)
	Destroy(ctx context.Context, remoteID string) error
	WriteFile(ctx context.Context, remoteID, filePath, content string) error
	ReadFile(ctx context.Context, remoteID, filePath string) (string, error)
	RunCommand(ctx context.Context, remoteID, command string) (*CommandResult, error)
	Host(ctx context.Context, remoteID string, port int) (string, error)
}

// HTTPProvider implements Provider over the sandbox service's REST API.
type HTTPProvider struct {
	apiKey         string
	baseURL        string
	commandTimeout time.Duration
	httpClient     *http.Client
}

// NewHTTPProvider creates a provider client. baseURL is overridable for tests;
// commandTimeout bounds each RunCommand call, zero means no per-command bound.
func NewHTTPProvider(apiKey, baseURL string, commandTimeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		apiKey:         apiKey,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		commandTimeout: commandTimeout,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

// Create provisions a new sandbox and returns its remote id.
func (p *HTTPProvider) Create(ctx context.Context) (string, error) {
	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := p.do(ctx, http.MethodPost, "/sandboxes", map[string]string{
		"template": "base",
	}, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvision, err)
	}
	if out.SandboxID == "" {
		return "", fmt.Errorf("%w: provider returned no sandbox id", ErrProvision)
	}
	return out.SandboxID, nil
}

// Destroy tears down a sandbox. Destroying an unknown id is treated as
// success so teardown stays idempotent.
func (p *HTTPProvider) Destroy(ctx context.Context, remoteID string) error {
	err := p.do(ctx, http.MethodDelete, "/sandboxes/"+remoteID, nil, nil)
	if err != nil && strings.Contains(err.Error(), "(404)") {
		return nil
	}
	return err
}

// WriteFile writes content into the sandbox filesystem at an absolute path,
// overwriting any prior content.
func (p *HTTPProvider) WriteFile(ctx context.Context, remoteID, filePath, content string) error {
	return p.do(ctx, http.MethodPut, "/sandboxes/"+remoteID+"/files", map[string]string{
		"path":    NormalizePath(filePath),
		"content": content,
	}, nil)
}

// ReadFile reads a file from the sandbox filesystem.
func (p *HTTPProvider) ReadFile(ctx context.Context, remoteID, filePath string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	query := url.Values{"path": {NormalizePath(filePath)}}
	err := p.do(ctx, http.MethodGet, "/sandboxes/"+remoteID+"/files?"+query.Encode(), nil, &out)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// RunCommand executes a shell command in the sandbox and captures its output.
// The configured command timeout bounds the whole round trip.
func (p *HTTPProvider) RunCommand(ctx context.Context, remoteID, command string) (*CommandResult, error) {
	if p.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.commandTimeout)
		defer cancel()
	}

	var out CommandResult
	err := p.do(ctx, http.MethodPost, "/sandboxes/"+remoteID+"/exec", map[string]string{
		"command": command,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	return &out, nil
}

// Host resolves the public hostname for a port exposed by the sandbox.
func (p *HTTPProvider) Host(ctx context.Context, remoteID string, port int) (string, error) {
	var out struct {
		Host string `json:"host"`
	}
	err := p.do(ctx, http.MethodGet, fmt.Sprintf("/sandboxes/%s/host?port=%d", remoteID, port), nil, &out)
	if err != nil {
		return "", err
	}
	return out.Host, nil
}

// NormalizePath forces a path to an absolute form rooted at the sandbox
// workspace.
func NormalizePath(filePath string) string {
	filePath = strings.TrimSpace(filePath)
	if !strings.HasPrefix(filePath, "/") {
		filePath = "/workspace/" + filePath
	}
	return path.Clean(filePath)
}

func (p *HTTPProvider) do(ctx context.Context, method, urlPath string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+urlPath, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox API %s %s failed (%d): %s", method, urlPath, resp.StatusCode, string(respBody))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
