// Package agentgw is the HTTP client for the agent gateway, the backend that
// actually runs agent sessions and answers user prompts.
package agentgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout marks a gateway call that exceeded its deadline. The caller
// treats it differently from other failures: the message is retried.
var ErrTimeout = errors.New("agent gateway timed out")

// QueryRequest is one prompt handed to the gateway.
type QueryRequest struct {
	UserMessage string `json:"user_message"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	// SessionID resumes an existing agent session when non-empty.
	SessionID   string    `json:"session_id,omitempty"`
	MessageTime time.Time `json:"message_time,omitzero"`
}

// QueryResult is the gateway's terminal answer for one prompt.
type QueryResult struct {
	Response     string  `json:"response"`
	SessionID    string  `json:"session_id"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Client talks to the agent gateway over HTTP with bearer auth.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

type Option func(*Client)

// WithHTTPClient swaps the underlying transport. Test hook.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a gateway client. timeout bounds the whole query; agent
// runs are long, so this is minutes, not seconds.
func NewClient(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Query sends one prompt and blocks until the gateway produces a terminal
// result. Deadline overruns come back as ErrTimeout.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("gateway: decode response: %w", err)
	}
	return &result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
