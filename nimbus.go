// Package nimbus is the Go client SDK for the Nimbus chat server.
//
// The SDK is the client-side real-time synchronization core: it keeps one
// live channel to the server, reconciles an eventually consistent local
// view of conversation state (messages, reactions, presence, typing)
// against the inbound event stream, and exposes idempotent operations to
// whatever UI embeds it.
//
// Example:
//
//	client := nimbus.NewClient("http://localhost:8000")
//	auth, _ := client.Login(ctx, nimbus.Credentials{Username: "ada", Password: "..."})
//
//	session := nimbus.NewSession(client, auth.Identity(), nil)
//	session.OnMessage(func(m nimbus.Message) { fmt.Println(m.Sender, m.Text) })
//	session.Open(ctx)
//	defer session.Close()
//
//	session.SelectPeer(ctx, nimbus.User{ID: 2, Username: "bob"})
//	session.SendMessage(ctx, "hi")
package nimbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL points at a local development server.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout bounds each HTTP request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP side of the SDK: login/signup against the external
// auth collaborator and paged history retrieval. The live channel is the
// Session's business, not the Client's.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient swaps in a caller-owned HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client for the given server base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying HTTP client, for transports that
// share it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth collaborator
// ============================================================================

// Login exchanges credentials for a session identity. The SDK does not
// validate or store credentials; the auth flow is an external
// collaborator.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/login", creds)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

// Signup registers a new account and returns its session identity.
func (c *Client) Signup(ctx context.Context, creds Credentials) (*AuthResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/signup", creds)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

// ============================================================================
// History retrieval
// ============================================================================

// FetchMessages retrieves one history page for the (sender, recipient)
// conversation. The server returns newest-first records.
func (c *Client) FetchMessages(ctx context.Context, senderID, recipientID int64, limit, offset int) ([]Message, error) {
	path := fmt.Sprintf("/messages/%d/%d?limit=%d&offset=%d", senderID, recipientID, limit, offset)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var records []historyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history page: %w", err)
	}
	msgs := make([]Message, len(records))
	for i, r := range records {
		msgs[i] = r.message()
	}
	return msgs, nil
}
