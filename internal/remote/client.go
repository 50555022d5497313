package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// maxAuthRetries is how many times a request is retried after a 401, each
// time with a freshly refreshed token.
const maxAuthRetries = 2

const defaultUserAgent = "isle-sync/0.1"

// ClientConfig holds the options for NewClient.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client // carries the network timeout; nil uses http.DefaultClient
	Token      TokenSource  // nil sends unauthenticated requests
	// AuthHeader names the header the token is sent in. Empty means
	// "Authorization: Bearer <token>"; any other name receives the raw token
	// (API-key style services).
	AuthHeader string
	Limiter    *rate.Limiter // optional outbound rate limit shared across clients
	UserAgent  string
	Logger     *slog.Logger
}

// Client is an HTTP client for one remote service. It attaches the token,
// retries on 401 with a refreshed token, and converts every failure into an
// *APIError.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	authHeader string
	limiter    *rate.Limiter
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a Client for the service at cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		token:      cfg.Token,
		authHeader: cfg.AuthHeader,
		limiter:    cfg.Limiter,
		userAgent:  ua,
		logger:     logger,
	}
}

// resolveURL joins a relative path to the base URL. Absolute URLs (such as
// pagination "next" links) are used as-is.
func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	return c.baseURL + path
}

// Do executes a request and returns the response on 2xx. The caller closes
// the response body. On 401 the token is invalidated and the request is
// retried, at most maxAuthRetries times. Every other failure is returned
// immediately as an *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	url := c.resolveURL(path)

	for attempt := 0; ; attempt++ {
		tok, err := c.currentToken(ctx)
		if err != nil {
			return nil, &APIError{Method: method, URL: url, Reason: err.Error(), Err: ErrUnauthorized}
		}

		resp, err := c.doOnce(ctx, method, url, tok, body)
		if err != nil {
			c.logger.Error("remote request failed",
				slog.String("method", method),
				slog.String("url", url),
				slog.String("reason", err.Error()),
			)

			return nil, &APIError{Method: method, URL: url, Reason: err.Error(), Err: ErrTransport}
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("remote request succeeded",
				slog.String("method", method),
				slog.String("url", url),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes+1))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if resp.StatusCode == http.StatusUnauthorized && c.token != nil && attempt < maxAuthRetries {
			c.logger.Warn("remote rejected token, refreshing",
				slog.String("method", method),
				slog.String("url", url),
				slog.Int("attempt", attempt+1),
			)
			c.token.Invalidate()

			continue
		}

		c.logger.Error("remote returned error status",
			slog.String("method", method),
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("reason", http.StatusText(resp.StatusCode)),
			slog.Int("attempts", attempt+1),
		)

		return nil, &APIError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Message:    truncateMessage(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	if c.token == nil {
		return "", nil
	}

	return c.token.Token(ctx)
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url, tok string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if tok != "" {
		if c.authHeader == "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		} else {
			req.Header.Set(c.authHeader, tok)
		}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// getJSON performs a GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decode(resp, path, out)
}

// postJSON encodes in as the request body, performs a POST, and decodes the
// JSON response into out (skipped when out is nil).
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("remote: encoding request body: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	return c.decode(resp, path, out)
}

// getRaw performs a GET and returns the full response body.
func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Method: http.MethodGet, URL: c.resolveURL(path), Reason: err.Error(), Err: ErrTransport}
	}

	return data, nil
}

func (c *Client) decode(resp *http.Response, path string, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("remote returned malformed body",
			slog.String("url", c.resolveURL(path)),
			slog.String("error", err.Error()),
		)

		return &APIError{
			Method:     resp.Request.Method,
			URL:        c.resolveURL(path),
			StatusCode: resp.StatusCode,
			Reason:     "malformed response",
			Message:    err.Error(),
			Err:        ErrMalformed,
		}
	}

	return nil
}
