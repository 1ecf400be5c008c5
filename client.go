// Package chatsync is the client-side core of a two-channel chat application:
// a realtime websocket channel for live delivery and a durable REST store for
// history and identity.
//
// The Controller reconciles locally composed messages, realtime arrivals and
// persisted history into one ordered, duplicate-free log, and tears down and
// re-establishes realtime connectivity across sign-in and sign-out.
//
// Example:
//
//	client := chatsync.NewClient("https://xyz.supabase.co", anonKey)
//	auth := chatsync.NewAuthClient(client, nil)
//	ctrl := chatsync.NewController(
//		chatsync.NewSessionManager(auth),
//		chatsync.NewWSChannel(&chatsync.RealtimeConfig{URL: "wss://chat.example.com/ws"}),
//		chatsync.NewRESTStore(client),
//	)
//	ctrl.Start(ctx)
//	ctrl.Join("alice")
//	ctrl.Compose("hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST backend hosting identity and message storage.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. apiKey is the project's public key; it is
// sent on every request and used as the bearer token when no session applies.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

type apiRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Token  string
	Header http.Header
}

func (c *Client) doRequest(ctx context.Context, r apiRequest) ([]byte, error) {
	u := c.baseURL + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}

	var bodyReader io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	token := r.Token
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("rest request",
		zap.String("method", r.Method),
		zap.String("path", r.Path),
		zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeAPIError understands both the auth service's and the record store's
// error bodies.
func decodeAPIError(status int, data []byte) *APIError {
	var body struct {
		Code             any    `json:"code"`
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, &body) != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	switch code := body.Code.(type) {
	case string:
		apiErr.Code = code
	case float64:
		apiErr.Code = fmt.Sprintf("%d", int(code))
	}
	if body.Error != "" && apiErr.Code == "" {
		apiErr.Code = body.Error
	}
	for _, m := range []string{body.Message, body.ErrorDescription, body.Msg, body.Error} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
