// Package api provides the client for the Oura wearable API.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onllm-dev/onpulse/internal/metrics"
)

// Custom errors for different failure modes.
var (
	ErrUnauthorized    = errors.New("oura: unauthorized")
	ErrForbidden       = errors.New("oura: forbidden")
	ErrNotFound        = errors.New("oura: endpoint not found")
	ErrRateLimited     = errors.New("oura: rate limited")
	ErrServerError     = errors.New("oura: server error")
	ErrNetworkError    = errors.New("oura: network error")
	ErrInvalidResponse = errors.New("oura: invalid response")
	ErrNoSession       = errors.New("oura: no session")
	ErrNoRefreshToken  = errors.New("oura: no refresh token available")
	ErrRefreshFailed   = errors.New("oura: token refresh failed")
	ErrConfigMissing   = errors.New("oura: OAuth client credentials not configured")
)

const (
	defaultOuraBaseURL      = "https://api.ouraring.com"
	defaultOuraTokenURL     = "https://api.ouraring.com/oauth/token"
	defaultOuraAuthorizeURL = "https://cloud.ouraring.com/oauth/authorize"

	// maxBodyBytes bounds collection responses; 90 days of 5-minute heart
	// rate samples stay well under this.
	maxBodyBytes = 8 << 20

	// defaultTokenLifetime applies when the token endpoint omits expires_in.
	defaultTokenLifetime = time.Hour
)

// OuraScopes are the fixed OAuth scopes requested on authorization.
var OuraScopes = []string{"email", "personal", "daily", "heartrate", "session"}

// OuraCredentials identifies this application to the Oura OAuth provider.
type OuraCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// OuraClient is an HTTP client for the Oura API with OAuth token lifecycle.
type OuraClient struct {
	httpClient   *http.Client
	baseURL      string
	tokenURL     string
	authorizeURL string
	creds        OuraCredentials
	timeout      time.Duration
	logger       *slog.Logger

	tokens    TokenStore
	limiter   *rate.Limiter
	now       func() time.Time
	refreshMu sync.Mutex

	hookMu        sync.RWMutex
	onTokenChange func(connected bool)
}

// OuraOption configures an OuraClient.
type OuraOption func(*OuraClient)

// WithOuraBaseURL sets a custom API base URL (for testing).
func WithOuraBaseURL(u string) OuraOption {
	return func(c *OuraClient) {
		c.baseURL = u
	}
}

// WithOuraTokenURL sets a custom OAuth token endpoint.
func WithOuraTokenURL(u string) OuraOption {
	return func(c *OuraClient) {
		c.tokenURL = u
	}
}

// WithOuraAuthorizeURL sets a custom OAuth authorization page.
func WithOuraAuthorizeURL(u string) OuraOption {
	return func(c *OuraClient) {
		c.authorizeURL = u
	}
}

// WithOuraTimeout sets the per-call timeout applied to every upstream request.
func WithOuraTimeout(timeout time.Duration) OuraOption {
	return func(c *OuraClient) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithOuraTokenStore injects the token store (defaults to in-memory).
func WithOuraTokenStore(store TokenStore) OuraOption {
	return func(c *OuraClient) {
		c.tokens = store
	}
}

// WithOuraRateLimit paces upstream requests.
func WithOuraRateLimit(limit rate.Limit, burst int) OuraOption {
	return func(c *OuraClient) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithOuraClock overrides the clock used for token expiry (for testing).
func WithOuraClock(now func() time.Time) OuraOption {
	return func(c *OuraClient) {
		c.now = now
	}
}

// NewOuraClient creates an Oura API client.
func NewOuraClient(creds OuraCredentials, logger *slog.Logger, opts ...OuraOption) *OuraClient {
	if logger == nil {
		logger = slog.Default()
	}

	client := &OuraClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          4,
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 15 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		baseURL:      defaultOuraBaseURL,
		tokenURL:     defaultOuraTokenURL,
		authorizeURL: defaultOuraAuthorizeURL,
		creds:        creds,
		timeout:      15 * time.Second,
		logger:       logger,
		tokens:       NewMemoryTokenStore(),
		// Oura allows 5000 requests per 5 minutes.
		limiter: rate.NewLimiter(rate.Limit(5000.0/300.0), 20),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// SetOnTokenChange registers a callback invoked whenever the token pair is
// connected, replaced by a new connection, or cleared.
func (c *OuraClient) SetOnTokenChange(fn func(connected bool)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onTokenChange = fn
}

func (c *OuraClient) notifyTokenChange(connected bool) {
	c.hookMu.RLock()
	fn := c.onTokenChange
	c.hookMu.RUnlock()
	if connected {
		metrics.OuraConnected.Set(1)
	} else {
		metrics.OuraConnected.Set(0)
	}
	if fn != nil {
		fn(connected)
	}
}

// HasValidSession reports whether both access and refresh tokens are held.
// Expiry is deliberately not checked: this answers "has the account been connected".
func (c *OuraClient) HasValidSession() bool {
	pair, ok := c.tokens.Get()
	return ok && pair.AccessToken != "" && pair.RefreshToken != ""
}

// Tokens returns the current token pair.
func (c *OuraClient) Tokens() (TokenPair, bool) {
	return c.tokens.Get()
}

// Disconnect drops the held token pair.
func (c *OuraClient) Disconnect() {
	c.refreshMu.Lock()
	c.tokens.Clear()
	c.refreshMu.Unlock()
	c.logger.Info("oura account disconnected")
	c.notifyTokenChange(false)
}

func (c *OuraClient) nowMs() int64 {
	return c.now().UnixMilli()
}

// AuthenticatedGet performs a GET against path (relative to the base URL,
// query included) with the current access token. An expired token is
// refreshed before sending; a 401 triggers one refresh and exactly one retry.
func (c *OuraClient) AuthenticatedGet(ctx context.Context, path string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, ok := c.tokens.Get()
	if !ok || pair.AccessToken == "" {
		return nil, ErrNoSession
	}

	if pair.Expired(c.nowMs()) {
		c.logger.Debug("oura access token expired, refreshing before request", "path", path)
		refreshed, err := c.refreshStale(reqCtx, pair)
		if err != nil {
			return nil, err
		}
		pair = refreshed
	}

	body, err := c.get(reqCtx, path, pair.AccessToken)
	if !errors.Is(err, ErrUnauthorized) {
		return body, err
	}

	c.logger.Info("oura rejected access token, refreshing and retrying once", "path", path)
	refreshed, err := c.refreshStale(reqCtx, pair)
	if err != nil {
		return nil, err
	}
	return c.get(reqCtx, path, refreshed.AccessToken)
}

// FetchCollection fetches a collection endpoint with the given query and
// decodes its documents.
func (c *OuraClient) FetchCollection(ctx context.Context, path string, query url.Values) ([]Document, error) {
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	body, err := c.AuthenticatedGet(ctx, path)
	if err != nil {
		return nil, err
	}
	return DecodeDocuments(body)
}

// FetchPersonalInfo returns the connected account's personal info document.
func (c *OuraClient) FetchPersonalInfo(ctx context.Context) (Document, error) {
	body, err := c.AuthenticatedGet(ctx, "/v2/usercollection/personal_info")
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := decodeJSON(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *OuraClient) get(ctx context.Context, path, accessToken string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("oura: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "onpulse/1.0")

	c.logger.Debug("fetching oura resource",
		"path", path,
		"access_token", redactToken(accessToken),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordUpstream("network_error", elapsed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("oura response received", "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.RecordUpstream("ok", elapsed)
	case resp.StatusCode == http.StatusUnauthorized:
		metrics.RecordUpstream("unauthorized", elapsed)
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		metrics.RecordUpstream("forbidden", elapsed)
		return nil, ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		metrics.RecordUpstream("not_found", elapsed)
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordUpstream("rate_limited", elapsed)
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		metrics.RecordUpstream("server_error", elapsed)
		return nil, ErrServerError
	default:
		metrics.RecordUpstream("unexpected_status", elapsed)
		return nil, fmt.Errorf("oura: unexpected status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidResponse, err)
	}
	return body, nil
}

// redactToken masks a bearer token for logging.
func redactToken(token string) string {
	if token == "" {
		return "(empty)"
	}
	if len(token) <= 8 {
		return "***...***"
	}
	return token[:4] + "***...***" + token[len(token)-3:]
}
