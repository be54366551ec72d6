package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abelyaev/datachat/internal/domain"
)

// ErrUnauthorized indicates the bearer token was missing, expired, or
// rejected by the query service.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPDoer is the subset of http.Client the backend client needs.
// Tests substitute their own implementation.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the query analysis service over HTTP.
type Client struct {
	httpClient HTTPDoer
	baseURL    string
	timeout    time.Duration
	logger     *slog.Logger
}

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://localhost:8000",
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a client for the query analysis service. The
// request timeout does not apply to QueryStream, whose lifetime is
// bounded by its context.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultClientConfig().BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	return &Client{
		// Streaming responses outlive any fixed client timeout, so
		// non-stream calls get their deadline per request instead.
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.RequestTimeout,
		logger:     logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client. Used in tests.
func (c *Client) SetHTTPClient(doer HTTPDoer) { c.httpClient = doer }

// TokenResponse is the payload of a successful login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// SignupRequest creates a new account on the query service.
type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SchemaRequest asks the query service to introspect a data source.
type SchemaRequest struct {
	DBURL        string `json:"db_url"`
	UserID       string `json:"user_id"`
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
}

// QueryRequest starts one streamed question turn.
type QueryRequest struct {
	Message          string                  `json:"message"`
	UserID           string                  `json:"user_id"`
	PreviousMessages []domain.ContextMessage `json:"previous_messages"`
}

// Login exchanges credentials for a bearer token. The token endpoint
// takes form-encoded fields rather than JSON.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token TokenResponse
	if err := c.doJSON(req, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("no token received from server")
	}
	return &token, nil
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, signup SignupRequest) (*domain.User, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/users/", signup, "")
	if err != nil {
		return nil, err
	}
	var user domain.User
	if err := c.doJSON(req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CurrentUser fetches the account the token belongs to.
func (c *Client) CurrentUser(ctx context.Context, token string) (*domain.User, error) {
	req, err := c.jsonRequest(ctx, http.MethodGet, "/users/me", nil, token)
	if err != nil {
		return nil, err
	}
	var user domain.User
	if err := c.doJSON(req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserRequest carries the mutable account fields.
type UpdateUserRequest struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// UpdateUser changes account fields on the query service.
func (c *Client) UpdateUser(ctx context.Context, token string, userID int64, update UpdateUserRequest) (*domain.User, error) {
	req, err := c.jsonRequest(ctx, http.MethodPut, fmt.Sprintf("/users/%d", userID), update, token)
	if err != nil {
		return nil, err
	}
	var user domain.User
	if err := c.doJSON(req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetSchema connects the service to a data source and returns its
// table inventory.
func (c *Client) GetSchema(ctx context.Context, token string, schema SchemaRequest) (*domain.SchemaResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/operations/getSchema", schema, token)
	if err != nil {
		return nil, err
	}
	var resp domain.SchemaResponse
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryStream submits a question and yields decoded stream events in
// arrival order. Malformed lines are logged and skipped; transport
// failures end the sequence with a non-nil error.
func (c *Client) QueryStream(ctx context.Context, token string, query QueryRequest) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		req, err := c.jsonRequest(ctx, http.MethodPost, "/query/stream", query, token)
		if err != nil {
			yield(nil, err)
			return
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			yield(nil, fmt.Errorf("query stream request failed: %w", err))
			return
		}
		defer c.closeBody(resp.Body)

		if resp.StatusCode != http.StatusOK {
			yield(nil, c.statusError(resp))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		// Result payloads can make individual lines large.
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			ev, err := ParseEvent(line)
			if err != nil {
				c.logger.Warn("skipping malformed stream record", "error", err)
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("read query stream: %w", err))
		}
	}
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// statusError turns a non-success response into an error, preferring
// the service's own detail text.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != "" {
		return fmt.Errorf("query service returned %d: %s", resp.StatusCode, detail.Detail)
	}
	return fmt.Errorf("query service returned %d", resp.StatusCode)
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warn("failed to close response body", "error", err)
	}
}
