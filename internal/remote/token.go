package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/isle-portal/isle-sync/internal/tokenfile"
)

// TokenSource provides bearer tokens for a Client. Defined at the consumer
// per "accept interfaces, return structs".
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops the cached token so the next Token call refreshes it.
	// Called after the remote answers 401.
	Invalidate()
}

// staticSource adapts a fixed application token to TokenSource.
type staticSource struct {
	src oauth2.TokenSource
}

// NewStaticTokenSource returns a TokenSource that always yields token.
// Invalidate is a no-op: a rejected static token stays rejected.
func NewStaticTokenSource(token string) TokenSource {
	return &staticSource{src: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})}
}

func (s *staticSource) Token(_ context.Context) (string, error) {
	t, err := s.src.Token()
	if err != nil {
		return "", err
	}

	return t.AccessToken, nil
}

func (s *staticSource) Invalidate() {}

// EndpointConfig holds the options for NewEndpointTokenSource.
type EndpointConfig struct {
	URL        string
	Username   string
	Password   string
	HTTPClient *http.Client
	// CachePath persists the token between process runs. Empty keeps the
	// token in memory only.
	CachePath string
	Logger    *slog.Logger
}

// EndpointTokenSource obtains tokens from a token endpoint that answers a
// basic-auth GET with {"token": "...", "duration": seconds}. The token is
// cached until its declared duration elapses or Invalidate is called.
// Safe for concurrent use.
type EndpointTokenSource struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
	cachePath  string
	logger     *slog.Logger
	nowFunc    func() time.Time

	mu  sync.Mutex
	tok *oauth2.Token
	// diskStale is set by Invalidate so a token rejected by the remote is
	// not reloaded from the cache file.
	diskStale bool
}

// NewEndpointTokenSource creates a token source for the given endpoint.
func NewEndpointTokenSource(cfg EndpointConfig) *EndpointTokenSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &EndpointTokenSource{
		url:        cfg.URL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		cachePath:  cfg.CachePath,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Token returns the cached token, loading it from the cache file or
// refreshing it from the endpoint when absent or expired.
func (s *EndpointTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid(s.tok) {
		return s.tok.AccessToken, nil
	}

	if tok := s.loadCached(); tok != nil {
		s.tok = tok

		return tok.AccessToken, nil
	}

	tok, err := s.refreshLocked(ctx)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Invalidate drops the in-memory token and ignores the cache file until the
// next successful refresh.
func (s *EndpointTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = nil
	s.diskStale = true
}

// Refresh unconditionally fetches a new token and returns it.
func (s *EndpointTokenSource) Refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshLocked(ctx)
}

func (s *EndpointTokenSource) valid(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && s.nowFunc().Before(tok.Expiry)
}

func (s *EndpointTokenSource) loadCached() *oauth2.Token {
	if s.cachePath == "" || s.diskStale {
		return nil
	}

	tok, endpoint, err := tokenfile.Load(s.cachePath)
	if err != nil {
		s.logger.Warn("ignoring unreadable token cache",
			slog.String("path", s.cachePath),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if tok == nil || endpoint != s.url || !s.valid(tok) {
		return nil
	}

	s.logger.Debug("loaded cached token",
		slog.String("path", s.cachePath),
		slog.Time("expiry", tok.Expiry),
	)

	return tok
}

// tokenResponse mirrors the token endpoint JSON body.
type tokenResponse struct {
	Token    string  `json:"token"`
	Duration flexInt `json:"duration"`
}

// refreshLocked fetches a token from the endpoint. Fails closed: any error
// becomes an *APIError and no token is cached. Caller holds s.mu.
func (s *EndpointTokenSource) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	fail := func(status int, reason string, sentinel error) error {
		s.logger.Error("token refresh failed",
			slog.String("url", s.url),
			slog.Int("status", status),
			slog.String("reason", reason),
		)

		return &APIError{Method: http.MethodGet, URL: s.url, StatusCode: status, Reason: reason, Err: sentinel}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fail(0, err.Error(), ErrTransport)
	}

	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, err.Error(), ErrTransport)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(resp.StatusCode, err.Error(), ErrTransport)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.dropCache()
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fail(resp.StatusCode, http.StatusText(resp.StatusCode), classifyStatus(resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fail(resp.StatusCode, "malformed token response: "+err.Error(), ErrMalformed)
	}

	if tr.Token == "" {
		return nil, fail(resp.StatusCode, "token response has no token", ErrMalformed)
	}

	tok := &oauth2.Token{
		AccessToken: tr.Token,
		TokenType:   "Bearer",
		Expiry:      s.nowFunc().Add(time.Duration(tr.Duration) * time.Second),
	}

	s.tok = tok
	s.diskStale = false

	s.logger.Info("token refreshed",
		slog.String("url", s.url),
		slog.Time("expiry", tok.Expiry),
	)

	if s.cachePath != "" {
		if err := tokenfile.Save(s.cachePath, tok, s.url); err != nil {
			s.logger.Warn("failed to persist token cache",
				slog.String("path", s.cachePath),
				slog.String("error", err.Error()),
			)
		}
	}

	return tok, nil
}

// dropCache forgets the current token and deletes the cache file. It runs
// when the endpoint rejects the configured credentials, so a token issued
// to them is not reused. Caller holds s.mu.
func (s *EndpointTokenSource) dropCache() {
	s.tok = nil

	if s.cachePath == "" {
		return
	}

	if err := tokenfile.Remove(s.cachePath); err != nil {
		s.logger.Warn("failed to remove token cache",
			slog.String("path", s.cachePath),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("removed token cache after rejected credentials", slog.String("path", s.cachePath))
}

// flexInt decodes a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		data = []byte(s)
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", data, err)
	}

	*f = flexInt(n)

	return nil
}
