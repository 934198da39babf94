// Package remote talks to the central sync server over HTTP. Transport
// failures map onto the engine's error taxonomy: connection errors,
// timeouts, and 5xx responses are transient; 4xx responses are
// definitive.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidassist/gatesync/internal/syncerrors"
	"github.com/tidwall/gjson"
)

// defaultTimeout bounds each network call. A timeout is treated the
// same as a connection failure: retry via backoff, not a rejection.
const defaultTimeout = 30 * time.Second

// API is the remote sync surface the orchestrator depends on.
type API interface {
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
	BootstrapToken(ctx context.Context) (string, error)
	ResolveConflict(ctx context.Context, conflictID string, req ResolveRequest) error
}

// Client is the HTTP implementation of API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the given base URL. If
// httpClient is nil a client with the default timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// Push submits a batch of operations.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.post(ctx, "/sync/push", req, &resp); err != nil {
		return nil, fmt.Errorf("pushing batch %s: %w", req.BatchID, err)
	}
	return &resp, nil
}

// Pull requests the next delta page after the given sync token.
func (c *Client) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := c.post(ctx, "/sync/pull", req, &resp); err != nil {
		return nil, fmt.Errorf("pulling after token %q: %w", req.LastSyncToken, err)
	}
	return &resp, nil
}

// BootstrapToken fetches the server's current sync token. Used on
// first run and after a full-resync recovery.
func (c *Client) BootstrapToken(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/token", nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fetching sync token: %w", syncerrors.ErrUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", syncerrors.ErrUnavailable)
	}
	if err := statusError("/sync/token", resp.StatusCode, body); err != nil {
		return "", err
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	return tr.Token, nil
}

// ResolveConflict mirrors a local resolution to the server.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, req ResolveRequest) error {
	endpoint := "/sync/conflicts/" + conflictID + "/resolve"
	if err := c.post(ctx, endpoint, req, nil); err != nil {
		return fmt.Errorf("mirroring resolution for %s: %w", conflictID, err)
	}
	return nil
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sending request to %s: %v: %w", endpoint, err, syncerrors.ErrUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, syncerrors.ErrUnavailable)
	}

	if err := statusError(endpoint, resp.StatusCode, respBody); err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// statusError maps an HTTP status onto the error taxonomy. The error
// body is peeked with gjson so a malformed body still yields a useful
// message.
func statusError(endpoint string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusGone:
		return fmt.Errorf("API %s: %w", endpoint, syncerrors.ErrCursorExpired)
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("API %s (%d): %s: %w", endpoint, status, errorReason(body), syncerrors.ErrUnavailable)
	default:
		return fmt.Errorf("API %s returned status %d: %s", endpoint, status, errorReason(body))
	}
}

func errorReason(body []byte) string {
	if reason := gjson.GetBytes(body, "error").Str; reason != "" {
		return reason
	}
	if reason := gjson.GetBytes(body, "msg").Str; reason != "" {
		return reason
	}
	return string(body)
}
