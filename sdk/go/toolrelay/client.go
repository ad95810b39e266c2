// Package toolrelay is a thin Go client for the ToolRelay REST API.
package toolrelay

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
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the ToolRelay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRetry retries connection errors and 5xx responses up to maxRetries times with
// exponential backoff.
func WithRetry(maxRetries int) Option {
	return func(c *Client) {
		rc := retryablehttp.NewClient()
		rc.RetryMax = maxRetries
		rc.Logger = nil
		rc.HTTPClient = c.httpClient
		c.httpClient = rc.StandardClient()
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.accessToken = token }
}

// Tool describes a catalogue entry.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []Parameter     `json:"parameters"`
	Schema      json.RawMessage `json:"schema"`
}

// Parameter describes one positional tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Query is the payload for synchronous queries and asynchronous tasks. Args
// holds strings, numbers, booleans or *big.Int / json.Number values for
// integers beyond 2^53.
type Query struct {
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query"`
	Tool     string         `json:"tool,omitempty"`
	Args     []any          `json:"args,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the structured outcome of a query.
type Result struct {
	Reasoning string   `json:"reasoning"`
	Response  string   `json:"response"`
	Status    string   `json:"status"`
	Query     string   `json:"query"`
	Errors    []string `json:"errors"`
}

// Succeeded reports whether the result status is success.
func (r Result) Succeeded() bool { return r.Status == "success" }

// Task is the server-side view of an asynchronous query.
type Task struct {
	ID         string         `json:"id"`
	Query      string         `json:"query"`
	Tool       string         `json:"tool,omitempty"`
	Args       []any          `json:"args,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Done reports whether the task will not change any more.
func (t Task) Done() bool {
	return t.Status == "succeeded" || (t.Status == "failed" && t.Attempts >= t.MaxRetries)
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("toolrelay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("toolrelay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ToolRelay API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SetAccessToken overrides the stored bearer token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// ListTools returns the tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// Query executes a query synchronously and returns its single result.
func (c *Client) Query(ctx context.Context, q Query) (Result, error) {
	var out []Result
	if err := c.send(ctx, http.MethodPost, "/api/v1/queries", q, &out); err != nil {
		return Result{}, err
	}
	if len(out) != 1 {
		return Result{}, fmt.Errorf("toolrelay: expected exactly one result, got %d", len(out))
	}
	return out[0], nil
}

// SubmitTask queues a query for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, q Query) (Task, error) {
	var task Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", q, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return Task{}, errors.New("toolrelay: task id is empty")
	}
	var task Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls GetTask until the task is done or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
