package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192

	// Extended thinking is always enabled with a fixed budget.
	thinkingBudgetTokens = 10000

	// Headers must arrive within the request timeout; the whole stream
	// within the resource timeout.
	requestTimeout  = 300 * time.Second
	resourceTimeout = 600 * time.Second
)

// ErrNoAPIKey is returned when a turn is attempted without credentials.
var ErrNoAPIKey = errors.New("no api key configured")

// Client streams chat turns from the messages endpoint.
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// NewClient creates a streaming client. An empty apiKey is allowed; turns
// fail with ErrNoAPIKey until credentials are set.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		baseURL:   defaultBaseURL,
		httpClient: &http.Client{
			Timeout: resourceTimeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: requestTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasAPIKey reports whether credentials are configured.
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// Stream opens one streaming turn and returns its ordered event channel.
// The channel is closed when the turn ends; upstream errors arrive as a
// single terminating EventError.
func (c *Client) Stream(ctx context.Context, messages []APIMessage, system string, tools []ToolDef) (<-chan Event, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	body, err := json.Marshal(request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
		System:    system,
		Stream:    true,
		Tools:     tools,
		Thinking:  &thinkingParam{Type: "enabled", BudgetTokens: thinkingBudgetTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}

	events := make(chan Event, 64)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		_ = resp.Body.Close()
		go func() {
			events <- Event{
				Type: EventError,
				Err:  fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)),
			}
			close(events)
		}()
		return events, nil
	}

	go func() {
		defer close(events)
		defer resp.Body.Close()

		parser := newSSEParser(func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err := parser.run(resp.Body); err != nil && ctx.Err() == nil {
			select {
			case events <- Event{Type: EventError, Err: err.Error()}:
			default:
			}
		}
	}()

	return events, nil
}
