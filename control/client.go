package control

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

	"github.com/tomyedwab/enginehost/launch"
)

// ErrUnreachable is returned when no host is listening at the client's
// address.
var ErrUnreachable = errors.New("host unreachable")

// APIError is a non-2xx response from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control API returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Client talks to a running host's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the host at baseURL, e.g.
// "http://127.0.0.1:7420". A bare host:port is accepted.
func NewClient(baseURL string, options ...ClientOption) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	client := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Launch delivers req to the running host and returns the command it decoded.
func (c *Client) Launch(ctx context.Context, req *launch.Request) (launch.Command, error) {
	if req == nil {
		req = launch.NewRequest()
	}
	var resp LaunchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/launch", req, &resp); err != nil {
		return launch.CommandNone, err
	}
	return parseCommand(resp.Command)
}

func (c *Client) Result(ctx context.Context, requestCode, resultCode int, payload []byte) error {
	return c.do(ctx, http.MethodPost, "/v1/results", ResultRequest{Code: requestCode, Status: resultCode, Payload: payload}, nil)
}

func (c *Client) Permissions(ctx context.Context, requestCode int, names []string, grants []bool) error {
	return c.do(ctx, http.MethodPost, "/v1/permissions", PermissionRequest{Code: requestCode, Names: names, Grants: grants}, nil)
}

// Back offers back navigation to the host and reports whether the runtime
// handled it.
func (c *Client) Back(ctx context.Context) (bool, error) {
	var resp BackResponse
	if err := c.do(ctx, http.MethodPost, "/v1/back", nil, &resp); err != nil {
		return false, err
	}
	return resp.Handled, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseCommand(s string) (launch.Command, error) {
	for _, c := range []launch.Command{launch.CommandNone, launch.CommandForceQuit, launch.CommandNewLaunch} {
		if c.String() == s {
			return c, nil
		}
	}
	return launch.CommandNone, fmt.Errorf("unknown command %q", s)
}
