// Package rest is the HTTP half of the backend boundary: bearer-token
// authenticated JSON calls against the tracking API, with a transparent
// refresh-and-retry on 401 so callers never see the intermediate failure.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"fleettrack/internal/apierr"
	"fleettrack/internal/config"
)

// TokenProvider hands out the current access token. Implemented by the
// session authenticator.
type TokenProvider interface {
	AccessToken() string
}

// Refresher performs a single token refresh. Implemented by the session
// authenticator; wired after construction because the authenticator itself
// calls back into this client for the refresh endpoint.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tokens     TokenProvider
	refresher  Refresher
}

func NewClient(logger *slog.Logger, cfg config.BackendConfig, tokens TokenProvider) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		tokens:     tokens,
	}
}

// SetTokens installs the access token source. Like SetRefresher it is wired
// after construction to break the cycle with the authenticator.
func (c *Client) SetTokens(t TokenProvider) {
	c.tokens = t
}

// SetRefresher installs the 401 recovery hook. Without one, a 401 surfaces
// as Unauthorized directly.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type callOptions struct {
	// skipAuth marks the login/refresh endpoints, which must not carry a
	// bearer header and must not trigger the refresh path themselves.
	skipAuth bool
	query    url.Values
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out, callOptions{query: query})
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPost, path, body, out, callOptions{})
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.call(ctx, http.MethodPatch, path, body, out, callOptions{})
}

func (c *Client) call(ctx context.Context, method, path string, body, out any, opts callOptions) error {
	status, err := c.once(ctx, method, path, body, out, opts)
	if err == nil {
		return nil
	}
	if status != http.StatusUnauthorized || opts.skipAuth {
		return err
	}

	// Access token rejected: one refresh attempt, one retry. A failed
	// refresh already escalated (AuthExpired) inside the refresher.
	if c.refresher == nil {
		return err
	}
	c.logger.Debug("access token rejected, refreshing", "path", path)
	if rerr := c.refresher.Refresh(ctx); rerr != nil {
		return rerr
	}
	_, err = c.once(ctx, method, path, body, out, opts)
	return err
}

// once performs a single HTTP exchange and maps the outcome onto the error
// taxonomy. The returned status is zero when the request never reached the
// server.
func (c *Client) once(ctx context.Context, method, path string, body, out any, opts callOptions) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(opts.query) > 0 {
		endpoint += "?" + opts.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if !opts.skipAuth && c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindNetwork, err, "%s %s failed", method, path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apierr.Wrap(apierr.KindNetwork, err, "read response for %s %s", method, path)
	}

	var env envelope
	if len(data) > 0 {
		// A non-envelope body (proxies, HTML error pages) is tolerated;
		// the status code decides the outcome.
		_ = json.Unmarshal(data, &env)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, statusError(resp.StatusCode, env.Message, method, path)
	}
	if len(data) > 0 && !env.Success && env.Message != "" {
		return resp.StatusCode, apierr.New(apierr.KindNetwork, "%s", env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, apierr.Wrap(apierr.KindNetwork, err, "decode response for %s %s", method, path)
		}
	}
	return resp.StatusCode, nil
}

func statusError(status int, message, method, path string) error {
	if message == "" {
		message = fmt.Sprintf("%s %s returned %d", method, path, status)
	}
	switch status {
	case http.StatusUnauthorized:
		return apierr.New(apierr.KindUnauthorized, "%s", message)
	case http.StatusForbidden:
		return apierr.New(apierr.KindForbidden, "%s", message)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return apierr.New(apierr.KindInvalidTransition, "%s", message)
	default:
		return apierr.New(apierr.KindNetwork, "%s", message)
	}
}
