// Package client talks to a running supportbot HTTP API. It backs the chat,
// history and status CLI commands.
package client

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

	"github.com/dayuer/supportbot/internal/api"
	"github.com/dayuer/supportbot/internal/chatbot"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client calls the chat API of one server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New returns a client for baseURL (e.g. http://localhost:8080).
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + api.Prefix,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts one user message and returns the bot's reply.
func (c *Client) Send(ctx context.Context, req chatbot.Request) (chatbot.Response, error) {
	var resp chatbot.Response
	err := c.do(ctx, http.MethodPost, "/send", req, &resp)
	return resp, err
}

// History fetches a session transcript.
func (c *Client) History(ctx context.Context, sessionID string) (chatbot.HistoryResponse, error) {
	var resp chatbot.HistoryResponse
	err := c.do(ctx, http.MethodGet, "/history/"+sessionID, nil, &resp)
	return resp, err
}

// MarkRead marks the session's bot and agent turns as read.
func (c *Client) MarkRead(ctx context.Context, sessionID string) (int, error) {
	var resp struct {
		Marked int `json:"marked"`
	}
	err := c.do(ctx, http.MethodPost, "/"+sessionID+"/mark-read", nil, &resp)
	return resp.Marked, err
}

// Health returns the unauthenticated liveness payload.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	return resp, err
}

// Stats returns the server's operational counters.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
