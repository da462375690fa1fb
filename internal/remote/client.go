// Package remote is the HTTP transport between taskctl and taskd.
package remote

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
	"unicode/utf8"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry on the next trigger.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. A sync response
	// carries the user's whole task list, so this is larger than a
	// typical JSON API cap.
	maxAPIResponseBytes = 16 << 20
)

// Client talks to the taskd REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so bearer tokens are not sent to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the server at baseURL. If
// httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// apiError is the error body every taskd endpoint returns.
type apiError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and decodes a 2xx JSON response into result. The
// returned error wraps one of the sentinel errors so callers can branch
// with errors.Is: ErrAuthentication for 401, ErrMalformedBatch or
// ErrValidation for 400, ErrNotFound for 404 and ErrTransport otherwise.
// Network failures and 5xx/429 responses are also TransientErrors.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: sending request to %s: %v", apperr.ErrTransport, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%w: reading response from %s: %v", apperr.ErrTransport, endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %v", apperr.ErrTransport, endpoint, err)
		}
	}

	return nil
}

func statusError(endpoint string, code int, body []byte) error {
	detail := sanitizeResponseBody(body)

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		detail = apiErr.Error
		if apiErr.Description != "" {
			detail += ": " + sanitizeResponseBody([]byte(apiErr.Description))
		}
	}

	var sentinel error

	switch {
	case code == http.StatusUnauthorized:
		sentinel = apperr.ErrAuthentication
	case code == http.StatusNotFound:
		sentinel = apperr.ErrNotFound
	case code == http.StatusBadRequest && apiErr.Error == "malformed_batch":
		sentinel = apperr.ErrMalformedBatch
	case code == http.StatusBadRequest:
		sentinel = apperr.ErrValidation
	default:
		sentinel = apperr.ErrTransport
	}

	err := fmt.Errorf("%w: API %s returned status %d: %s", sentinel, endpoint, code, detail)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Login exchanges a username and password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	req := models.LoginRequest{Username: username, Password: password}

	var resp models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", req, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// Sync sends one reconciliation batch.
func (c *Client) Sync(ctx context.Context, token string, actions []models.ActionEnvelope) (*models.SyncResponse, error) {
	req := models.SyncRequest{Actions: actions}
	if req.Actions == nil {
		req.Actions = []models.ActionEnvelope{}
	}

	var resp models.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks/sync", token, req, &resp); err != nil {
		return nil, fmt.Errorf("syncing %d actions: %w", len(actions), err)
	}

	if len(resp.Outcomes) != len(actions) {
		return nil, fmt.Errorf("%w: server returned %d outcomes for %d actions",
			apperr.ErrTransport, len(resp.Outcomes), len(actions))
	}

	return &resp, nil
}

// ListTasks returns the canonical task list, newest first.
func (c *Client) ListTasks(ctx context.Context, token string) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", token, nil, &tasks); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	if tasks == nil {
		tasks = []models.Task{}
	}

	return tasks, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/healthz", "", nil, nil); err != nil {
		return fmt.Errorf("checking server health: %w", err)
	}

	return nil
}
